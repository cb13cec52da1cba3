package batch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/schema"
)

const (
	maxLineBytes = 1024 * 1024
	batchLines   = 256
	maxCapture   = 64 * 1024
)

// Options configures a batch transport.
type Options struct {
	Logger pslog.Logger
	// HTML wraps submitted code so the engine writes an HTML5 body file.
	HTML bool
}

// Transport runs each submission as a separate local engine process.
type Transport struct {
	cfg    schema.BatchConfig
	html   bool
	logger pslog.Logger

	mu  sync.Mutex
	dir string
}

// New constructs a batch transport. cfg must be normalized.
func New(cfg schema.BatchConfig, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{cfg: cfg, html: opts.HTML, logger: logger.With("executable", cfg.Executable)}
}

// Kind implements core.Transport.
func (t *Transport) Kind() schema.TransportKind { return schema.TransportBatch }

// SessionID implements core.Transport.
func (t *Transport) SessionID() schema.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dir == "" {
		return ""
	}
	return schema.SessionID(filepath.Base(t.dir))
}

// WorkDir returns the work directory, empty before Setup.
func (t *Transport) WorkDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir
}

// Setup creates the work directory that holds code, log and output files.
func (t *Transport) Setup(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dir != "" {
		return nil
	}
	base := strings.TrimSpace(t.cfg.WorkDir)
	if base != "" {
		if err := os.MkdirAll(base, 0o700); err != nil {
			return core.NewError(core.ErrorTransport, "setup", fmt.Errorf("create work root: %w", err))
		}
	}
	dir, err := os.MkdirTemp(base, "saslink-")
	if err != nil {
		return core.NewError(core.ErrorTransport, "setup", fmt.Errorf("create work dir: %w", err))
	}
	t.dir = dir
	t.logger.Debug("batch work dir created", "dir", dir)
	return nil
}

// Run writes code to a file, runs the engine on it and forwards the log once
// the process exited. A non-zero exit fails the run after the log was sent.
func (t *Transport) Run(ctx context.Context, code string, sink core.LogSink) (schema.RunResult, error) {
	dir := t.WorkDir()
	if dir == "" {
		return schema.RunResult{}, schema.ErrNotSetUp
	}
	runID := "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	log := logx.WithSession(t.logger, schema.SessionID(filepath.Base(dir))).With("run", runID)

	if t.html {
		code = core.WrapCode(code, core.WrapOptions{Path: dir, Body: runID})
	}
	codePath := filepath.Join(dir, runID+".sas")
	logPath := filepath.Join(dir, runID+".log")
	printPath := filepath.Join(dir, runID+".lst")
	if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
		return schema.RunResult{}, core.NewError(core.ErrorTransport, "write code", err)
	}

	args := append([]string{"-sysin", codePath, "-log", logPath, "-print", printPath}, t.cfg.Args...)
	cmd := exec.CommandContext(ctx, t.cfg.Executable, args...)
	cmd.Dir = dir
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return schema.RunResult{}, core.NewError(core.ErrorTransport, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return schema.RunResult{}, core.NewError(core.ErrorTransport, "stderr pipe", err)
	}
	log.Info("batch engine start")
	if err := cmd.Start(); err != nil {
		return schema.RunResult{}, core.NewError(core.ErrorTransport, "start engine", err)
	}

	var (
		wg     sync.WaitGroup
		outBuf capture
		errBuf capture
	)
	wg.Add(2)
	go collect(&wg, stdout, &outBuf, log)
	go collect(&wg, stderr, &errBuf, log)
	wg.Wait()
	waitErr := cmd.Wait()

	// Whatever the engine logged before it stopped is forwarded, even when
	// the run was interrupted.
	bodyFile, forwarded, err := forwardLog(logPath, sink)
	if err != nil {
		log.Warn("batch log unavailable", "err", err)
		var classifier core.LineClassifier
		if lines := classifier.ClassifyLines(errBuf.String()); len(lines) > 0 {
			sink(lines)
			forwarded += len(lines)
		}
	}
	log.Debug("batch engine output", "lines", forwarded, "stdout_bytes", outBuf.Len(), "stderr_bytes", errBuf.Len())

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Info("batch engine interrupted", "lines", forwarded, "err", ctxErr)
		return schema.RunResult{}, core.Classify("run", ctxErr)
	}

	result := schema.RunResult{}
	if bodyFile != "" {
		path := bodyFile + ".htm"
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if data, err := os.ReadFile(path); err != nil {
			log.Warn("batch result unavailable", "file", path, "err", err)
		} else {
			result = schema.RunResult{HTML5: string(data), Title: core.ExtractTitle(string(data))}
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.Warn("batch engine failed", "exit_code", exitErr.ExitCode())
			return result, core.ExecutionFailed("run", fmt.Sprintf("engine exited with code %d", exitErr.ExitCode()), waitErr)
		}
		return result, core.NewError(core.ErrorTransport, "wait engine", waitErr)
	}
	log.Info("batch engine finished", "lines", forwarded)
	return result, nil
}

// forwardLog sends the log file to sink in batches and returns the announced
// HTML body file, if any.
func forwardLog(path string, sink core.LogSink) (string, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = file.Close() }()
	var (
		classifier core.LineClassifier
		batch      []schema.LogLine
		bodyFile   string
		total      int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := classifier.Classify(scanner.Text())
		if name, ok := core.MatchBodyFile(line.Line); ok {
			bodyFile = name
		}
		batch = append(batch, line)
		if len(batch) >= batchLines {
			sink(batch)
			total += len(batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		sink(batch)
		total += len(batch)
	}
	return bodyFile, total, scanner.Err()
}

// collect drains r into buf. Read errors and panics stay inside the reader.
func collect(wg *sync.WaitGroup, r io.Reader, buf *capture, log pslog.Logger) {
	defer wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("batch output reader panic", "panic", rec)
			_, _ = io.Copy(io.Discard, r)
		}
	}()
	if _, err := io.Copy(buf, r); err != nil {
		log.Debug("batch output read failed", "err", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// capture keeps the first maxCapture bytes written to it.
type capture struct {
	buf bytes.Buffer
}

func (c *capture) Write(p []byte) (int, error) {
	if room := maxCapture - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capture) Len() int { return c.buf.Len() }

func (c *capture) String() string { return c.buf.String() }

// Close removes the work directory and everything in it.
func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	dir := t.dir
	t.dir = ""
	t.mu.Unlock()
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove work dir: %w", err)
	}
	t.logger.Debug("batch work dir removed", "dir", dir)
	return nil
}
