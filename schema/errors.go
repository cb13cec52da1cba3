package schema

import "errors"

var (
	// ErrInvalidProfile indicates a malformed profile configuration.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrProfileNotFound indicates a requested profile is not configured.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrUnknownTransport indicates an unsupported connection kind.
	ErrUnknownTransport = errors.New("unknown connection kind")
	// ErrEmptyCode indicates the submitted code was empty.
	ErrEmptyCode = errors.New("empty code")
	// ErrNotReady indicates a run was attempted before setup completed.
	ErrNotReady = errors.New("session is not ready")
	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionFaulted indicates the session must be set up again before use.
	ErrSessionFaulted = errors.New("session faulted")
	// ErrNotSetUp indicates a transport was used before Setup.
	ErrNotSetUp = errors.New("transport not set up")
)
