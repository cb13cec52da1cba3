package core

import "pkt.systems/pslog"

// SessionDeps captures optional dependencies for a session.
type SessionDeps struct {
	Observer Observer
	Logger   pslog.Logger
}
