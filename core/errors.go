package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies session failures for callers and user-facing hints.
type ErrorKind string

const (
	// ErrorUnknown is an uncategorized failure.
	ErrorUnknown ErrorKind = "unknown"
	// ErrorAuth indicates token acquisition or refresh failed; re-authorization is required.
	ErrorAuth ErrorKind = "auth"
	// ErrorSessionStale indicates the remote session handle is no longer valid.
	ErrorSessionStale ErrorKind = "session_stale"
	// ErrorTimeout indicates no response arrived within the allowed bound.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorCanceled indicates the caller abandoned the operation.
	ErrorCanceled ErrorKind = "canceled"
	// ErrorTransport indicates a connection-level failure (socket, process, RPC).
	ErrorTransport ErrorKind = "transport"
	// ErrorExecutionFailed indicates the engine reported a failed execution.
	ErrorExecutionFailed ErrorKind = "execution_failed"
)

// seeLog is appended to execution failures; the log is always drained first.
const seeLog = "see log for details"

// Error wraps session failures with a stable classification.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ExecutionFailed constructs an execution failure that points the user at the log.
func ExecutionFailed(op, message string, err error) *Error {
	if message == "" {
		message = "execution failed"
	}
	return &Error{Kind: ErrorExecutionFailed, Op: op, Message: message + "; " + seeLog, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "session error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s failed", e.Op)
	}
	return "session error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification of err, or ErrorUnknown.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ErrorUnknown
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify returns err unchanged when already classified. Cancellation maps to
// ErrorCanceled, deadline expiry to ErrorTimeout and anything else to
// ErrorTransport.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return NewError(ErrorCanceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrorTimeout, op, err)
	}
	return NewError(ErrorTransport, op, err)
}
