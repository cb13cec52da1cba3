package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/schema"
)

// ErrContextNotFound indicates the configured compute context does not exist.
var ErrContextNotFound = errors.New("compute context not found")

// Options configures a REST transport.
type Options struct {
	HTTPClient *http.Client
	Logger     pslog.Logger
	// HTML wraps submitted code so the job produces an HTML5 result.
	HTML bool
}

// Transport runs code as jobs in a compute session.
type Transport struct {
	cfg    schema.RESTConfig
	client *client
	html   bool
	logger pslog.Logger

	mu        sync.Mutex
	contextID string
	sessionID string
	etag      string
}

// New constructs a REST transport. cfg must be normalized.
func New(cfg schema.RESTConfig, tokens TokenSource, opts Options) *Transport {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.InsecureSkipVerify)
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{
		cfg: cfg,
		client: &client{
			endpoint: strings.TrimRight(cfg.Endpoint, "/"),
			http:     httpClient,
			tokens:   tokens,
		},
		html:   opts.HTML,
		logger: logger,
	}
}

// Kind implements core.Transport.
func (t *Transport) Kind() schema.TransportKind { return schema.TransportREST }

// SessionID implements core.Transport.
func (t *Transport) SessionID() schema.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return schema.SessionID(t.sessionID)
}

func (t *Transport) session() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID, t.etag
}

func (t *Transport) setSession(id, etag string) {
	t.mu.Lock()
	t.sessionID = id
	t.etag = etag
	t.mu.Unlock()
}

// invalidate drops the cached session if it still is id.
func (t *Transport) invalidate(id string) {
	t.mu.Lock()
	if t.sessionID == id {
		t.sessionID = ""
		t.etag = ""
	}
	t.mu.Unlock()
}

// Setup reuses a cached session when the server still knows it, cancelling
// whatever it may be running; otherwise it creates a new session.
func (t *Transport) Setup(ctx context.Context) error {
	id, _ := t.session()
	if id != "" {
		err := t.reuse(ctx, id)
		if err == nil {
			return nil
		}
		if StatusOf(err) != http.StatusNotFound {
			return err
		}
		logx.WithSession(t.logger, schema.SessionID(id)).Info("rest session gone; recreating")
		t.invalidate(id)
	}
	return t.create(ctx)
}

func (t *Transport) reuse(ctx context.Context, id string) error {
	log := logx.WithSession(t.logger, schema.SessionID(id))
	state, etag, err := t.sessionState(ctx, id)
	if err != nil {
		return err
	}
	log.Debug("rest session state", "state", state)
	resp, err := t.client.do(ctx, request{
		method:  http.MethodPut,
		path:    withQuery(fmt.Sprintf("/sessions/%s/state", url.PathEscape(id)), map[string]string{"value": "canceled"}),
		headers: map[string]string{"If-Match": etag},
	})
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := expect(resp, http.StatusOK, http.StatusNoContent, http.StatusAccepted); err != nil {
		return err
	}
	if next := resp.Header.Get("ETag"); next != "" {
		etag = next
	}
	t.setSession(id, etag)
	log.Info("rest session reused")
	return nil
}

// sessionState returns the session state and its etag.
func (t *Transport) sessionState(ctx context.Context, id string) (string, string, error) {
	resp, err := t.client.do(ctx, request{method: http.MethodGet, path: fmt.Sprintf("/sessions/%s/state", url.PathEscape(id))})
	if err != nil {
		return "", "", err
	}
	defer drain(resp)
	if err := expect(resp, http.StatusOK); err != nil {
		return "", "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", "", core.Classify("session state", err)
	}
	return strings.TrimSpace(string(body)), resp.Header.Get("ETag"), nil
}

func (t *Transport) create(ctx context.Context) error {
	path := ""
	if t.cfg.ServerID != "" {
		path = fmt.Sprintf("/servers/%s/sessions", url.PathEscape(t.cfg.ServerID))
	} else {
		contextID, err := t.lookupContext(ctx)
		if err != nil {
			return err
		}
		path = fmt.Sprintf("/contexts/%s/sessions", url.PathEscape(contextID))
	}
	var created sessionResource
	header, err := t.client.doJSON(ctx, request{method: http.MethodPost, path: path, body: []byte("{}")}, &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return err
	}
	if created.ID == "" {
		return core.NewError(core.ErrorTransport, "create session", errors.New("response carried no session id"))
	}
	t.setSession(created.ID, header.Get("ETag"))
	logx.WithSession(t.logger, schema.SessionID(created.ID)).Info("rest session created", "server", t.cfg.ServerID != "")
	return nil
}

func (t *Transport) lookupContext(ctx context.Context) (string, error) {
	t.mu.Lock()
	cached := t.contextID
	t.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	filter := fmt.Sprintf("eq(name,'%s')", strings.ReplaceAll(t.cfg.Context, "'", "''"))
	var contexts contextCollection
	if _, err := t.client.doJSON(ctx, request{method: http.MethodGet, path: withQuery("/contexts", map[string]string{"filter": filter})}, &contexts); err != nil {
		return "", err
	}
	for _, item := range contexts.Items {
		if item.ID != "" && (item.Name == "" || item.Name == t.cfg.Context) {
			t.mu.Lock()
			t.contextID = item.ID
			t.mu.Unlock()
			t.logger.Debug("rest context resolved", "context", t.cfg.Context, "context_id", item.ID)
			return item.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrContextNotFound, t.cfg.Context)
}

// Run submits code as a job, drains its log into sink and returns the last
// HTML result containing the configured marker.
func (t *Transport) Run(ctx context.Context, code string, sink core.LogSink) (schema.RunResult, error) {
	id, _ := t.session()
	if id == "" {
		return schema.RunResult{}, schema.ErrNotSetUp
	}
	if t.html {
		code = core.WrapCode(code, core.WrapOptions{Body: "saslink-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]})
	}
	var created jobResource
	_, err := t.client.doJSON(ctx, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/sessions/%s/jobs", url.PathEscape(id)),
		body:   mustJSON(jobRequest{Code: strings.Split(code, "\n")}),
	}, &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return schema.RunResult{}, t.runError(id, "submit job", err)
	}
	j := &job{
		client:  t.client,
		session: id,
		id:      created.ID,
		logger:  logx.WithJob(logx.WithSession(t.logger, schema.SessionID(id)), schema.JobID(created.ID)),
	}
	j.logger.Debug("rest job submitted", "state", created.State)

	policy := core.PollPolicy{
		Wait:    time.Duration(t.cfg.PollWaitSeconds) * time.Second,
		Timeout: time.Duration(t.cfg.RunTimeoutSeconds) * time.Second,
	}
	state, err := core.Drain(ctx, j, sink, policy)
	if err != nil {
		return schema.RunResult{}, t.runError(id, "drain job", err)
	}
	j.logger.Debug("rest job finished", "state", state)

	result, err := t.result(ctx, j)
	if err != nil {
		return schema.RunResult{}, t.runError(id, "fetch results", err)
	}
	if state.Failed() {
		return result, core.ExecutionFailed("run", fmt.Sprintf("job ended in state %s", state), nil)
	}
	return result, nil
}

// runError classifies a run failure; a 404 means the session went away.
func (t *Transport) runError(id, op string, err error) error {
	if StatusOf(err) == http.StatusNotFound {
		t.invalidate(id)
		return core.NewError(core.ErrorSessionStale, op, err)
	}
	return core.Classify(op, err)
}

func (t *Transport) result(ctx context.Context, j *job) (schema.RunResult, error) {
	var results resultCollection
	if _, err := t.client.doJSON(ctx, request{method: http.MethodGet, path: j.path("results")}, &results); err != nil {
		return schema.RunResult{}, err
	}
	marker := t.cfg.ResultMarker
	if marker == "" {
		marker = schema.DefaultResultMarker
	}
	for i := len(results.Items) - 1; i >= 0; i-- {
		item := results.Items[i]
		href := item.contentHref()
		if !item.html() || href == "" {
			continue
		}
		doc, err := t.fetchText(ctx, href)
		if err != nil {
			return schema.RunResult{}, err
		}
		if strings.Contains(doc, marker) {
			return schema.RunResult{HTML5: doc, Title: core.ExtractTitle(doc)}, nil
		}
	}
	j.logger.Debug("rest job produced no html result", "results", len(results.Items))
	return schema.RunResult{}, nil
}

func (t *Transport) fetchText(ctx context.Context, href string) (string, error) {
	resp, err := t.client.do(ctx, request{method: http.MethodGet, path: href})
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if err := expect(resp, http.StatusOK); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", core.Classify("read result", err)
	}
	return string(data), nil
}

// Close deletes the remote session. Tokens belong to the token source, which
// other sessions of the profile may still use.
func (t *Transport) Close(ctx context.Context) error {
	id, _ := t.session()
	if id == "" {
		return nil
	}
	t.invalidate(id)
	resp, err := t.client.do(ctx, request{method: http.MethodDelete, path: fmt.Sprintf("/sessions/%s", url.PathEscape(id))})
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := expect(resp, http.StatusOK, http.StatusNoContent, http.StatusNotFound); err != nil {
		return err
	}
	logx.WithSession(t.logger, schema.SessionID(id)).Info("rest session deleted")
	return nil
}
