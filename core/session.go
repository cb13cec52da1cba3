package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/schema"
)

// Session owns the lifecycle of one logical execution session over a single
// Transport: uninitialized → authenticating → ready ⇄ executing →
// (ready | faulted) → closed.
type Session struct {
	profile   schema.ProfileName
	transport Transport
	observer  Observer
	logger    pslog.Logger

	setupMu sync.Mutex
	queue   runQueue

	mu    sync.Mutex
	state schema.SessionState
}

// NewSession wraps a transport in a session state machine.
func NewSession(profile schema.ProfileName, transport Transport, deps SessionDeps) *Session {
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logx.WithProfile(logger, profile).With("transport", transport.Kind())
	return &Session{
		profile:   profile,
		transport: transport,
		observer:  observer,
		logger:    logger,
		state:     schema.SessionUninitialized,
	}
}

// Profile returns the profile the session was created for.
func (s *Session) Profile() schema.ProfileName {
	return s.profile
}

// Kind returns the transport kind.
func (s *Session) Kind() schema.TransportKind {
	return s.transport.Kind()
}

// ID returns the remote session id, empty before Setup.
func (s *Session) ID() schema.SessionID {
	return s.transport.SessionID()
}

// State returns the current lifecycle state.
func (s *Session) State() schema.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next schema.SessionState) schema.SessionState {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.observer.StateChanged(s.transport.Kind(), prev, next)
		s.logger.Trace("session state", "from", prev, "to", next)
	}
	return prev
}

// transition moves from one state to another only if the session is still in from.
func (s *Session) transition(from, to schema.SessionState) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.observer.StateChanged(s.transport.Kind(), from, to)
		s.logger.Trace("session state", "from", from, "to", to)
	}
	return true
}

// Setup establishes or validates the remote session. It is a no-op while the
// session is ready or executing. A faulted session is torn down and recreated.
func (s *Session) Setup(ctx context.Context) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	switch s.State() {
	case schema.SessionReady, schema.SessionExecuting:
		s.logger.Trace("session setup skipped", "session", s.transport.SessionID())
		return nil
	case schema.SessionFaulted:
		s.logger.Info("session faulted; recreating", "session", s.transport.SessionID())
		if err := s.transport.Close(ctx); err != nil {
			s.logger.Warn("session faulted close failed", "err", err)
		}
	}

	s.setState(schema.SessionAuthenticating)
	started := time.Now()
	s.logger.Debug("session setup start")
	err := s.transport.Setup(ctx)
	elapsed := time.Since(started)
	s.observer.SetupFinished(s.transport.Kind(), elapsed.Seconds(), err)
	if err != nil {
		err = Classify("setup", err)
		s.transition(schema.SessionAuthenticating, schema.SessionUninitialized)
		s.logger.Warn("session setup failed", "err", err, "kind", KindOf(err), "duration_ms", elapsed.Milliseconds())
		return err
	}
	if !s.transition(schema.SessionAuthenticating, schema.SessionReady) {
		// Closed while setting up.
		_ = s.transport.Close(ctx)
		return schema.ErrSessionClosed
	}
	logx.WithSession(s.logger, s.transport.SessionID()).Info("session ready", "duration_ms", elapsed.Milliseconds())
	return nil
}

// Run queues code for execution and returns immediately. Runs on one session
// never overlap; each starts after the previous one finished.
func (s *Session) Run(ctx context.Context, code string) (RunHandle, error) {
	if strings.TrimSpace(code) == "" {
		return nil, schema.ErrEmptyCode
	}
	if s.State() == schema.SessionClosed {
		return nil, schema.ErrSessionClosed
	}
	t := s.queue.enqueue()
	buf := newLogBuffer()
	handle := &runHandle{logs: buf, done: make(chan struct{})}
	go func() {
		result, err := s.runTicket(ctx, t, code, buf.Append)
		buf.Close()
		handle.finish(result, err)
	}()
	return handle, nil
}

// RunWithSink executes code and forwards log lines to sink, returning once
// the run finished.
func (s *Session) RunWithSink(ctx context.Context, code string, sink LogSink) (schema.RunResult, error) {
	if strings.TrimSpace(code) == "" {
		return schema.RunResult{}, schema.ErrEmptyCode
	}
	if sink == nil {
		sink = func([]schema.LogLine) {}
	}
	return s.runTicket(ctx, s.queue.enqueue(), code, sink)
}

func (s *Session) runTicket(ctx context.Context, t *ticket, code string, sink LogSink) (schema.RunResult, error) {
	defer t.release()
	if err := t.wait(ctx); err != nil {
		return schema.RunResult{}, Classify("run", err)
	}
	return s.execute(ctx, code, sink)
}

func (s *Session) execute(ctx context.Context, code string, sink LogSink) (schema.RunResult, error) {
	s.mu.Lock()
	switch s.state {
	case schema.SessionReady:
		s.state = schema.SessionExecuting
	case schema.SessionClosed:
		s.mu.Unlock()
		return schema.RunResult{}, schema.ErrSessionClosed
	case schema.SessionFaulted:
		s.mu.Unlock()
		return schema.RunResult{}, schema.ErrSessionFaulted
	default:
		s.mu.Unlock()
		return schema.RunResult{}, schema.ErrNotReady
	}
	s.mu.Unlock()
	s.observer.StateChanged(s.transport.Kind(), schema.SessionReady, schema.SessionExecuting)

	log := logx.WithSession(s.logger, s.transport.SessionID())
	log.Info("session run start", "code_len", len(code))
	started := time.Now()
	lines := 0
	forward := func(batch []schema.LogLine) {
		if len(batch) == 0 {
			return
		}
		lines += len(batch)
		sink(batch)
	}
	result, err := s.transport.Run(ctx, code, forward)
	if IsKind(err, ErrorSessionStale) && lines == 0 {
		// Nothing reached the caller yet, so one recreate and resubmit is safe.
		log.Info("session stale; recreating and resubmitting", "err", err)
		if setupErr := s.transport.Setup(ctx); setupErr != nil {
			err = Classify("setup", setupErr)
		} else {
			log = logx.WithSession(s.logger, s.transport.SessionID())
			result, err = s.transport.Run(ctx, code, forward)
		}
	}
	elapsed := time.Since(started)

	next := schema.SessionReady
	if err != nil {
		err = Classify("run", err)
		switch KindOf(err) {
		case ErrorTimeout, ErrorTransport:
			next = schema.SessionFaulted
		case ErrorSessionStale, ErrorAuth, ErrorCanceled:
			next = schema.SessionUninitialized
		}
	}
	s.transition(schema.SessionExecuting, next)
	s.observer.RunFinished(s.transport.Kind(), elapsed.Seconds(), lines, err)
	if err != nil {
		log.Warn("session run failed", "err", err, "kind", KindOf(err), "lines", lines, "state", next, "duration_ms", elapsed.Milliseconds())
		return result, err
	}
	log.Info("session run finished", "lines", lines, "html", result.HTML5 != "", "duration_ms", elapsed.Milliseconds())
	return result, nil
}

// Close releases the remote session. It is valid in any state and always
// leaves the session closed; release failures are logged, not returned.
func (s *Session) Close(ctx context.Context) error {
	prev := s.setState(schema.SessionClosed)
	if prev == schema.SessionClosed {
		return nil
	}
	log := logx.WithSession(s.logger, s.transport.SessionID())
	if err := s.transport.Close(ctx); err != nil {
		log.Warn("session close failed", "err", err)
		return nil
	}
	log.Info("session closed", "from", prev)
	return nil
}

type runHandle struct {
	logs *logBuffer
	done chan struct{}

	mu     sync.Mutex
	result schema.RunResult
	err    error
}

func (h *runHandle) finish(result schema.RunResult, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *runHandle) Logs() LogStream {
	return h.logs.Reader()
}

func (h *runHandle) Done() <-chan struct{} {
	return h.done
}

func (h *runHandle) Wait(ctx context.Context) (schema.RunResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return schema.RunResult{}, ctx.Err()
	}
}

// IsRecoverable reports whether the session stays usable after err.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, schema.ErrSessionClosed) || errors.Is(err, schema.ErrSessionFaulted) {
		return false
	}
	return KindOf(err) == ErrorExecutionFailed
}
