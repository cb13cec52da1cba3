package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/oauth"
	"pkt.systems/saslink/schema"
)

var (
	_ core.Observer  = (*Observer)(nil)
	_ oauth.Observer = (*Observer)(nil)
)

type stubTransport struct {
	runErr error
}

func (stubTransport) Kind() schema.TransportKind  { return schema.TransportBatch }
func (stubTransport) SessionID() schema.SessionID { return "stub" }
func (stubTransport) Setup(context.Context) error { return nil }
func (stubTransport) Close(context.Context) error { return nil }
func (s stubTransport) Run(_ context.Context, _ string, sink core.LogSink) (schema.RunResult, error) {
	sink([]schema.LogLine{{Type: schema.LogNote, Line: "NOTE: one"}, {Type: schema.LogNormal, Line: "two"}})
	return schema.RunResult{}, s.runErr
}

func TestObserverRecordsSessionLifecycle(t *testing.T) {
	o := New(false)
	session := core.NewSession("p", stubTransport{}, core.SessionDeps{Observer: o})
	ctx := context.Background()
	if err := session.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := session.RunWithSink(ctx, "data _null_; run;", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := testutil.ToFloat64(o.transitions.WithLabelValues("batch", "ready", "executing")); got != 1 {
		t.Fatalf("expected one ready->executing transition, got %v", got)
	}
	if got := testutil.ToFloat64(o.executing.WithLabelValues("batch")); got != 0 {
		t.Fatalf("expected no executing sessions after run, got %v", got)
	}
	if got := testutil.ToFloat64(o.lines.WithLabelValues("batch")); got != 2 {
		t.Fatalf("expected 2 lines, got %v", got)
	}
	if got := testutil.CollectAndCount(o.setups); got != 1 {
		t.Fatalf("expected one setup series, got %d", got)
	}
}

func TestObserverLabelsFailures(t *testing.T) {
	o := New(false)
	session := core.NewSession("p", stubTransport{runErr: core.ExecutionFailed("run", "", nil)}, core.SessionDeps{Observer: o})
	ctx := context.Background()
	if err := session.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := session.RunWithSink(ctx, "x", nil); err == nil {
		t.Fatalf("expected run failure")
	}
	o.TokenEvent(oauth.EventRefresh, nil)
	o.TokenEvent(oauth.EventRefresh, core.NewError(core.ErrorAuth, "refresh", errors.New("denied")))

	expected := `
# HELP saslink_oauth_token_events_total Token authorize, refresh and validate outcomes.
# TYPE saslink_oauth_token_events_total counter
saslink_oauth_token_events_total{event="refresh",result="auth"} 1
saslink_oauth_token_events_total{event="refresh",result="ok"} 1
`
	if err := testutil.CollectAndCompare(o.tokens, strings.NewReader(expected)); err != nil {
		t.Fatalf("token metrics: %v", err)
	}

	srv := httptest.NewServer(o.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `saslink_run_duration_seconds_count{result="execution_failed",transport="batch"} 1`) {
		t.Fatalf("expected failed run histogram, got:\n%s", body)
	}
}
