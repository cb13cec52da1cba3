package sshshell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/schema"
)

// EngineFlags are passed to the engine before any configured options.
var EngineFlags = []string{"-nodms", "-terminal", "-nosyntaxcheck"}

var errEngineExited = errors.New("engine output closed")

const (
	lineBuffer   = 1024
	maxLineBytes = 1024 * 1024
	closeGrace   = 2 * time.Second
)

// Options configures an SSH shell transport.
type Options struct {
	Logger pslog.Logger
	// HTML wraps submitted code so the engine writes an HTML5 body file.
	HTML bool
}

// Transport drives an interactive engine over an SSH shell session.
type Transport struct {
	cfg    schema.SSHConfig
	html   bool
	logger pslog.Logger

	mu   sync.Mutex
	conn *conn
}

type conn struct {
	id      schema.SessionID
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	lines   chan string
	stop    chan struct{}
	pumps   sync.WaitGroup
}

// New constructs an SSH transport. cfg must be normalized.
func New(cfg schema.SSHConfig, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{
		cfg:    cfg,
		html:   opts.HTML,
		logger: logger.With("host", cfg.Host, "port", cfg.Port),
	}
}

// Kind implements core.Transport.
func (t *Transport) Kind() schema.TransportKind { return schema.TransportSSH }

// SessionID implements core.Transport.
func (t *Transport) SessionID() schema.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.id
}

func (t *Transport) current() *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) setupTimeout() time.Duration {
	if t.cfg.SetupTimeoutSeconds <= 0 {
		return schema.DefaultSetupTimeoutSeconds * time.Second
	}
	return time.Duration(t.cfg.SetupTimeoutSeconds) * time.Second
}

func (t *Transport) idleTimeout() time.Duration {
	if t.cfg.IdleTimeoutSeconds <= 0 {
		return schema.DefaultIdleTimeoutSeconds * time.Second
	}
	return time.Duration(t.cfg.IdleTimeoutSeconds) * time.Second
}

func (t *Transport) engineCommand() string {
	parts := []string{shellQuote(t.cfg.SASPath)}
	parts = append(parts, EngineFlags...)
	parts = append(parts, t.cfg.SASOptions...)
	return strings.Join(parts, " ")
}

// Setup connects, starts the engine and waits until it answers a sentinel.
func (t *Transport) Setup(ctx context.Context) error {
	if t.current() != nil {
		return nil
	}
	timeout := t.setupTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := t.dial(ctx, timeout)
	if err != nil {
		return err
	}
	log := logx.WithSession(t.logger, c.id)

	marker := newMarker("setup")
	if _, err := io.WriteString(c.stdin, "%put "+marker+";\n"); err != nil {
		c.shutdown()
		return core.NewError(core.ErrorTransport, "setup", fmt.Errorf("write setup sentinel: %w", err))
	}
	err = c.await(ctx, timeout, func(line string) bool {
		log.Trace("ssh setup output", "line", line)
		return line == marker
	})
	if err != nil {
		c.shutdown()
		if errors.Is(err, context.DeadlineExceeded) {
			return core.NewError(core.ErrorTimeout, "setup", fmt.Errorf("engine did not start within %s", timeout))
		}
		return core.Classify("setup", err)
	}
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
	log.Info("ssh engine started", "user", t.cfg.User)
	return nil
}

func (t *Transport) dial(ctx context.Context, timeout time.Duration) (*conn, error) {
	auth, cleanup, err := authMethods(t.cfg)
	defer cleanup()
	if err != nil {
		return nil, core.NewError(core.ErrorAuth, "ssh auth", err)
	}
	hostKey, err := hostKeyCallback(t.cfg)
	if err != nil {
		return nil, core.NewError(core.ErrorTransport, "ssh host key", err)
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, core.Classify("ssh dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		_ = nc.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, core.NewError(core.ErrorAuth, "ssh handshake", err)
		}
		return nil, core.Classify("ssh handshake", err)
	}
	_ = nc.SetDeadline(time.Time{})
	client := ssh.NewClient(cc, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, core.Classify("ssh session", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, core.Classify("ssh stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, core.Classify("ssh stdout", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, core.Classify("ssh stderr", err)
	}
	cmd := t.engineCommand()
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, core.NewError(core.ErrorTransport, "start engine", err)
	}
	c := &conn{
		id:      schema.SessionID(fmt.Sprintf("%s@%s#%s", t.cfg.User, addr, shortID())),
		client:  client,
		session: session,
		stdin:   stdin,
		lines:   make(chan string, lineBuffer),
		stop:    make(chan struct{}),
	}
	c.pumps.Add(2)
	go c.pump(stdout, t.logger)
	go c.pump(stderr, t.logger)
	go func() {
		c.pumps.Wait()
		close(c.lines)
	}()
	t.logger.Debug("ssh engine command started", "command", cmd)
	return c, nil
}

// pump forwards lines from r until EOF or shutdown.
func (c *conn) pump(r io.Reader, log pslog.Logger) {
	defer c.pumps.Done()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("ssh output reader panic", "panic", rec)
		}
	}()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		select {
		case c.lines <- strings.TrimRight(scanner.Text(), "\r"):
		case <-c.stop:
			return
		}
	}
}

// await feeds output lines to fn until it returns true. It fails when no line
// arrives within idle or the engine output closes.
func (c *conn) await(ctx context.Context, idle time.Duration, fn func(string) bool) error {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return core.NewError(core.ErrorTimeout, "await output", fmt.Errorf("no output for %s", idle))
		case line, ok := <-c.lines:
			if !ok {
				return core.NewError(core.ErrorTransport, "await output", errEngineExited)
			}
			if fn(line) {
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		}
	}
}

func (c *conn) discardPending() int {
	n := 0
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (c *conn) shutdown() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	_ = c.stdin.Close()
	_ = c.session.Close()
	_ = c.client.Close()
}

// Run writes code followed by an end marker and forwards classified output
// until the marker line appears.
func (t *Transport) Run(ctx context.Context, code string, sink core.LogSink) (schema.RunResult, error) {
	c := t.current()
	if c == nil {
		return schema.RunResult{}, schema.ErrNotSetUp
	}
	log := logx.WithSession(t.logger, c.id)
	if n := c.discardPending(); n > 0 {
		log.Debug("ssh discarded stale output", "lines", n)
	}
	if t.html {
		code = core.WrapCode(code, core.WrapOptions{Body: "saslink-" + shortID()})
	}
	marker := newMarker("end")
	if _, err := io.WriteString(c.stdin, code+"\n%put "+marker+";\n"); err != nil {
		return schema.RunResult{}, core.NewError(core.ErrorTransport, "write code", err)
	}

	var (
		classifier core.LineClassifier
		batch      []schema.LogLine
		bodyFile   string
	)
	flush := func() {
		if len(batch) > 0 {
			sink(batch)
			batch = nil
		}
	}
	err := c.await(ctx, t.idleTimeout(), func(line string) bool {
		if line == marker {
			return true
		}
		if name, ok := core.MatchBodyFile(line); ok {
			bodyFile = name
		}
		batch = append(batch, classifier.Classify(line))
		if len(c.lines) == 0 || len(batch) >= 256 {
			flush()
		}
		return false
	})
	flush()
	if err != nil {
		return schema.RunResult{}, core.Classify("run", err)
	}
	if bodyFile == "" {
		return schema.RunResult{}, nil
	}
	doc, err := t.fetch(ctx, c, bodyFile+".htm")
	if err != nil {
		log.Warn("ssh result fetch failed", "file", bodyFile, "err", err)
		return schema.RunResult{}, nil
	}
	return schema.RunResult{HTML5: doc, Title: core.ExtractTitle(doc)}, nil
}

// fetch reads a file from the engine host over a separate exec channel.
func (t *Transport) fetch(ctx context.Context, c *conn, name string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", err
	}
	defer func() { _ = session.Close() }()
	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output("cat " + shellQuote(name))
		done <- result{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return string(r.out), r.err
	}
}

// Close asks the engine to exit and tears down the connection.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	log := logx.WithSession(t.logger, c.id)
	var writeErr error
	if _, err := io.WriteString(c.stdin, "endsas;\n"); err != nil {
		writeErr = err
	}
	_ = c.stdin.Close()
	waited := make(chan struct{})
	go func() {
		_ = c.session.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(closeGrace):
		log.Debug("ssh engine did not exit in time")
	case <-ctx.Done():
	}
	c.shutdown()
	log.Info("ssh session closed")
	if writeErr != nil && !errors.Is(writeErr, io.EOF) {
		return fmt.Errorf("write endsas: %w", writeErr)
	}
	return nil
}

func newMarker(kind string) string {
	return "--saslink-" + kind + "-" + strings.ReplaceAll(uuid.NewString(), "-", "") + "--"
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
