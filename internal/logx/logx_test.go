package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithSessionAndJobAddFields(t *testing.T) {
	capture := &logCapture{}
	log := WithJob(WithSession(newCaptureLogger(capture), "sess-1"), "job-7")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "sess-1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if entry["job"] != "job-7" {
		t.Fatalf("expected job field, got %+v", entry)
	}
}

func TestWithSessionSkipsEmpty(t *testing.T) {
	capture := &logCapture{}
	WithSession(newCaptureLogger(capture), "").Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["session"]; ok {
		t.Fatalf("did not expect session field, got %+v", entry)
	}
}

func TestProfileCtxDeduplicates(t *testing.T) {
	capture := &logCapture{}
	ctx := ContextWithProfileLogger(context.Background(), newCaptureLogger(capture), "viya")
	ProfileCtx(ctx, "viya").Info("hello")

	line := capture.buf.String()
	if count := bytes.Count([]byte(line), []byte(`"profile"`)); count != 1 {
		t.Fatalf("expected one profile field, got %d in %s", count, line)
	}
}

func TestSessionMarker(t *testing.T) {
	ctx := ContextWithSession(context.Background(), "sess-1")
	if SessionFromContext(ctx) != "sess-1" {
		t.Fatalf("expected session marker")
	}
	if SessionFromContext(context.Background()) != "" {
		t.Fatalf("expected no session marker")
	}
	if ContextWithSession(ctx, "") != ctx {
		t.Fatalf("expected empty session to keep the context")
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
