package schema

import "strings"

// ProfileName identifies a connection profile.
type ProfileName string

// SessionID identifies a remote compute session.
type SessionID string

// JobID identifies a job submitted within a session.
type JobID string

// TransportKind selects the binding a session runs over.
type TransportKind string

const (
	// TransportREST submits jobs through the compute REST API.
	TransportREST TransportKind = "rest"
	// TransportSSH drives an interactive engine shell over SSH.
	TransportSSH TransportKind = "ssh"
	// TransportBatch spawns the engine as a local batch process.
	TransportBatch TransportKind = "batch"
	// TransportGRPC talks to a broker over gRPC.
	TransportGRPC TransportKind = "grpc"
)

// Valid reports whether the kind is a known transport.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportREST, TransportSSH, TransportBatch, TransportGRPC:
		return true
	default:
		return false
	}
}

// LogType classifies a log line.
type LogType string

const (
	LogNormal   LogType = "normal"
	LogError    LogType = "error"
	LogWarning  LogType = "warning"
	LogNote     LogType = "note"
	LogSource   LogType = "source"
	LogTitle    LogType = "title"
	LogByline   LogType = "byline"
	LogFootnote LogType = "footnote"
	LogMessage  LogType = "message"
)

// ParseLogType maps a wire value to a LogType, defaulting to normal.
func ParseLogType(value string) LogType {
	switch LogType(strings.ToLower(strings.TrimSpace(value))) {
	case LogError:
		return LogError
	case LogWarning:
		return LogWarning
	case LogNote:
		return LogNote
	case LogSource:
		return LogSource
	case LogTitle:
		return LogTitle
	case LogByline:
		return LogByline
	case LogFootnote:
		return LogFootnote
	case LogMessage:
		return LogMessage
	default:
		return LogNormal
	}
}

// LogLine is a single classified line of execution output.
type LogLine struct {
	Type LogType `json:"type"`
	Line string  `json:"line"`
}

// RunResult is the rendered artifact of a finished run.
type RunResult struct {
	HTML5 string `json:"html5,omitempty"`
	Title string `json:"title,omitempty"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionUninitialized  SessionState = "uninitialized"
	SessionAuthenticating SessionState = "authenticating"
	SessionReady          SessionState = "ready"
	SessionExecuting      SessionState = "executing"
	SessionFaulted        SessionState = "faulted"
	SessionClosed         SessionState = "closed"
)

// JobState is the remote state of a job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobWarning   JobState = "warning"
	JobError     JobState = "error"
	JobCanceled  JobState = "canceled"
	JobCompleted JobState = "completed"
	JobIdle      JobState = "idle"
)

// ParseJobState normalizes a wire state value.
func ParseJobState(value string) JobState {
	return JobState(strings.ToLower(strings.TrimSpace(value)))
}

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	switch s {
	case JobDone, JobWarning, JobError, JobCanceled, JobCompleted:
		return true
	default:
		return false
	}
}

// Failed reports whether the terminal state signals an execution failure.
func (s JobState) Failed() bool {
	return s == JobError || s == JobCanceled
}
