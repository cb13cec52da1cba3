package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/saslink/core"
)

// TokenSource supplies bearer tokens. oauth.Manager implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// NewHTTPClient returns the client used for compute and logon calls. Long
// polls are bounded by request contexts, so the client carries no timeout.
func NewHTTPClient(insecureSkipVerify bool) *http.Client {
	if !insecureSkipVerify {
		return &http.Client{}
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit profile opt-in
	return &http.Client{Transport: tr}
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

type request struct {
	method  string
	path    string
	body    []byte
	headers map[string]string
}

type client struct {
	endpoint string
	http     *http.Client
	tokens   TokenSource
}

// resolve turns a compute-relative path or a server-provided href into a URL.
func (c *client) resolve(path string) string {
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return path
	case strings.HasPrefix(path, "/compute/"):
		return c.endpoint + path
	default:
		return c.endpoint + "/compute" + path
	}
}

// do sends req with a bearer token. A 401 triggers exactly one refresh and one
// retry; a second 401 is an auth error.
func (c *client) do(ctx context.Context, req request) (*http.Response, error) {
	access, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)
	access, err = c.tokens.Refresh(ctx, access)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, core.NewError(core.ErrorAuth, req.method+" "+req.path, errors.New("unauthorized after token refresh"))
	}
	return resp, nil
}

func (c *client) send(ctx context.Context, req request, access string) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.resolve(req.path), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+access)
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, core.Classify(req.method+" "+req.path, err)
	}
	return resp, nil
}

// doJSON sends req, checks for one of ok and decodes the body into out.
func (c *client) doJSON(ctx context.Context, req request, out any, ok ...int) (http.Header, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if err := expect(resp, ok...); err != nil {
		return resp.Header, err
	}
	if out == nil {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.Header, core.NewError(core.ErrorTransport, req.method+" "+req.path, fmt.Errorf("decode response: %w", err))
	}
	return resp.Header, nil
}

func expect(resp *http.Response, ok ...int) error {
	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: resp.Request.Method,
		URL:    resp.Request.URL.Redacted(),
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(snippet)),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// withQuery sets query parameters on a path or href.
func withQuery(path string, params map[string]string) string {
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
