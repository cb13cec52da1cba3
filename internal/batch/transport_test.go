package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

// fakeEngineScript echoes the submitted program into the log as numbered
// source lines, honours an ODS body statement, stalls for -sleep N seconds and
// exits with -exit N.
const fakeEngineScript = `#!/bin/sh
code=0
while [ $# -gt 0 ]; do
  case "$1" in
    -sysin) sysin="$2"; shift 2 ;;
    -log) log="$2"; shift 2 ;;
    -print) print="$2"; shift 2 ;;
    -exit) code="$2"; shift 2 ;;
    -sleep) nap="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "NOTE: Copyright (c) fake engine" > "$log"
n=0
while IFS= read -r line; do
  n=$((n+1))
  printf '%d    %s\n' "$n" "$line" >> "$log"
done < "$sysin"
if [ -n "$nap" ]; then
  echo "NOTE: still working" >> "$log"
  sleep "$nap"
fi
body=$(sed -n 's/.*body="\([^"]*\)\.htm".*/\1/p' "$sysin")
if [ -n "$body" ]; then
  echo '<html><head><title>Batch output</title></head><body>table</body></html>' > "$body.htm"
  echo "NOTE: Writing HTML5(SASLINK) Body file: $body.htm" >> "$log"
fi
if [ "$code" != "0" ]; then
  echo "ERROR: Something failed." >> "$log"
fi
echo "stdout noise"
echo "stderr noise" >&2
: > "$print"
exit "$code"
`

func writeEngine(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fake-sas")
	if err := os.WriteFile(path, []byte(fakeEngineScript), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	return path
}

func collectRun(t *testing.T, transport *Transport, code string) ([]schema.LogLine, schema.RunResult, error) {
	t.Helper()
	var lines []schema.LogLine
	result, err := transport.Run(context.Background(), code, func(batch []schema.LogLine) {
		if len(batch) == 0 {
			t.Fatalf("empty batch")
		}
		lines = append(lines, batch...)
	})
	return lines, result, err
}

func TestRunForwardsLogAndHTML(t *testing.T) {
	transport := New(schema.BatchConfig{Executable: writeEngine(t), WorkDir: t.TempDir()}, Options{HTML: true})
	ctx := context.Background()
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	dir := transport.WorkDir()
	if err := transport.Setup(ctx); err != nil || transport.WorkDir() != dir {
		t.Fatalf("expected idempotent setup, got %q (%v)", transport.WorkDir(), err)
	}
	defer func() { _ = transport.Close(ctx) }()

	lines, result, err := collectRun(t, transport, "proc print data=sashelp.class; run;")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Title != "Batch output" || !strings.Contains(result.HTML5, "<body>table") {
		t.Fatalf("unexpected result %+v", result)
	}
	var sawSource, sawBody bool
	for _, line := range lines {
		if line.Type == schema.LogSource && strings.Contains(line.Line, "proc print") {
			sawSource = true
		}
		if _, ok := core.MatchBodyFile(line.Line); ok {
			sawBody = true
		}
	}
	if !sawSource || !sawBody {
		t.Fatalf("expected source and body lines, got %+v", lines)
	}
	if lines[0].Type != schema.LogNote {
		t.Fatalf("expected leading note, got %+v", lines[0])
	}
}

func TestRunNonZeroExitFailsAndCloseCleansUp(t *testing.T) {
	transport := New(schema.BatchConfig{Executable: writeEngine(t), Args: []string{"-exit", "1"}, WorkDir: t.TempDir()}, Options{})
	ctx := context.Background()
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	dir := transport.WorkDir()

	lines, _, err := collectRun(t, transport, "data _null_; abort; run;")
	if !core.IsKind(err, core.ErrorExecutionFailed) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "see log") {
		t.Fatalf("expected message to reference the log, got %q", err.Error())
	}
	last := lines[len(lines)-1]
	if last.Type != schema.LogError {
		t.Fatalf("expected error line forwarded before failing, got %+v", last)
	}

	if err := transport.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected work dir removed, got %v", err)
	}
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRunCanceledForwardsPartialLog(t *testing.T) {
	transport := New(schema.BatchConfig{Executable: writeEngine(t), Args: []string{"-sleep", "30"}, WorkDir: t.TempDir()}, Options{})
	if err := transport.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = transport.Close(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(time.Second, cancel)
	defer timer.Stop()
	var lines []schema.LogLine
	_, err := transport.Run(ctx, "data _null_; run;", func(batch []schema.LogLine) {
		lines = append(lines, batch...)
	})
	if !core.IsKind(err, core.ErrorCanceled) {
		t.Fatalf("expected canceled run, got %v", err)
	}
	var sawSource, sawProgress bool
	for _, line := range lines {
		if line.Type == schema.LogSource && strings.Contains(line.Line, "data _null_") {
			sawSource = true
		}
		if line.Line == "NOTE: still working" {
			sawProgress = true
		}
	}
	if !sawSource || !sawProgress {
		t.Fatalf("expected the partial log to be forwarded, got %+v", lines)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	transport := New(schema.BatchConfig{Executable: filepath.Join(t.TempDir(), "missing")}, Options{})
	ctx := context.Background()
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = transport.Close(ctx) }()
	if _, _, err := collectRun(t, transport, "x"); !core.IsKind(err, core.ErrorTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRunBeforeSetup(t *testing.T) {
	transport := New(schema.BatchConfig{Executable: "sas"}, Options{})
	if _, _, err := collectRun(t, transport, "x"); !errors.Is(err, schema.ErrNotSetUp) {
		t.Fatalf("expected not set up, got %v", err)
	}
}

func TestCaptureIsBounded(t *testing.T) {
	var c capture
	chunk := strings.Repeat("x", 1000)
	for i := 0; i < 100; i++ {
		if n, err := c.Write([]byte(chunk)); err != nil || n != len(chunk) {
			t.Fatalf("write: %d %v", n, err)
		}
	}
	if c.Len() != maxCapture {
		t.Fatalf("expected capture capped at %d, got %d", maxCapture, c.Len())
	}
}
