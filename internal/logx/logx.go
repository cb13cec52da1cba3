package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/saslink/schema"
)

type contextKey int

const (
	profileKey contextKey = iota
	sessionKey
)

// WithProfile annotates the logger with the profile name when available.
func WithProfile(log pslog.Logger, profile schema.ProfileName) pslog.Logger {
	if profile != "" {
		log = log.With("profile", profile)
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// WithJob annotates the logger with a job id when available.
func WithJob(log pslog.Logger, jobID schema.JobID) pslog.Logger {
	if jobID != "" {
		log = log.With("job", jobID)
	}
	return log
}

// ProfileCtx returns the context logger annotated with the profile unless the
// context already carries the same profile marker.
func ProfileCtx(ctx context.Context, profile schema.ProfileName) pslog.Logger {
	log := pslog.Ctx(ctx)
	if profile == "" {
		return log
	}
	if current, ok := ctx.Value(profileKey).(schema.ProfileName); ok && current == profile {
		return log
	}
	return log.With("profile", profile)
}

// ContextWithProfile stores the profile marker on the context for log de-duplication.
func ContextWithProfile(ctx context.Context, profile schema.ProfileName) context.Context {
	if ctx == nil || profile == "" {
		return ctx
	}
	return context.WithValue(ctx, profileKey, profile)
}

// ContextWithProfileLogger attaches the annotated logger and profile marker to the context.
func ContextWithProfileLogger(ctx context.Context, log pslog.Logger, profile schema.ProfileName) context.Context {
	ctx = pslog.ContextWithLogger(ctx, WithProfile(log, profile))
	return ContextWithProfile(ctx, profile)
}

// ContextWithSession stores the session marker on the context.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFromContext returns the session marker stored on the context.
func SessionFromContext(ctx context.Context) schema.SessionID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey).(schema.SessionID)
	return id
}
