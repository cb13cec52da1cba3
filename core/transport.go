package core

import (
	"context"

	"pkt.systems/saslink/schema"
)

// LogSink receives log lines in emission order. Batches are never empty.
type LogSink func(lines []schema.LogLine)

// Transport sends code to one compute engine over a single channel kind.
// A Transport is owned by exactly one Session, which serializes Run calls.
type Transport interface {
	Kind() schema.TransportKind
	// SessionID returns the remote session identifier, empty before Setup.
	SessionID() schema.SessionID
	// Setup is idempotent and may be retried after a failure.
	Setup(ctx context.Context) error
	// Run submits code, forwards log lines to sink and returns the rendered result.
	Run(ctx context.Context, code string, sink LogSink) (schema.RunResult, error)
	// Close releases the transport resource. Safe to call repeatedly and before Setup.
	Close(ctx context.Context) error
}

// RunHandle exposes the log stream and outcome of a queued run.
type RunHandle interface {
	// Logs returns a new reader positioned at the first line of the run.
	Logs() LogStream
	Wait(ctx context.Context) (schema.RunResult, error)
	Done() <-chan struct{}
}

// LogStream yields log line batches in order and io.EOF once the run finished.
type LogStream interface {
	Next(ctx context.Context) ([]schema.LogLine, error)
	Close() error
}

// Observer receives session lifecycle notifications.
type Observer interface {
	StateChanged(kind schema.TransportKind, from, to schema.SessionState)
	SetupFinished(kind schema.TransportKind, seconds float64, err error)
	RunFinished(kind schema.TransportKind, seconds float64, lines int, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(schema.TransportKind, schema.SessionState, schema.SessionState) {}
func (nopObserver) SetupFinished(schema.TransportKind, float64, error)                        {}
func (nopObserver) RunFinished(schema.TransportKind, float64, int, error)                     {}
