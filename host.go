// Package saslink submits SAS code over REST, SSH, a local batch process or a
// saslink broker behind one session API.
package saslink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/broker"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/internal/oauth"
	"pkt.systems/saslink/internal/rest"
	"pkt.systems/saslink/schema"
)

// Observer receives session and token events, typically metrics.
type Observer interface {
	core.Observer
	oauth.Observer
}

// HostConfig configures a Host.
type HostConfig struct {
	Profiles       map[string]schema.Profile
	DefaultProfile string
}

// HostDeps captures optional dependencies of a Host.
type HostDeps struct {
	Logger   pslog.Logger
	Observer Observer
	// Authorizer completes interactive PKCE authorization for REST profiles.
	Authorizer oauth.Authorizer
	// HTTPClient overrides the REST and token clients.
	HTTPClient *http.Client
	BrokerTLS  *tls.Config
}

// Host is the application context. It owns one token manager and at most one
// session per profile; nothing is cached outside it.
type Host struct {
	profiles       map[schema.ProfileName]schema.Profile
	defaultProfile schema.ProfileName
	deps           HostDeps
	logger         pslog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[schema.ProfileName]*core.Session
	tokens   map[schema.ProfileName]*oauth.Manager
}

// NewHost validates the profiles and constructs a Host.
func NewHost(cfg HostConfig, deps HostDeps) (*Host, error) {
	profiles := make(map[schema.ProfileName]schema.Profile, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		key := schema.ProfileName(strings.ToLower(strings.TrimSpace(name)))
		normalized, err := schema.NormalizeProfile(profile)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", key, err)
		}
		normalized.Name = key
		profiles[key] = normalized
	}
	def := schema.ProfileName(strings.ToLower(strings.TrimSpace(cfg.DefaultProfile)))
	if def != "" {
		if _, ok := profiles[def]; !ok {
			return nil, fmt.Errorf("default profile %q: %w", def, schema.ErrProfileNotFound)
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Host{
		profiles:       profiles,
		defaultProfile: def,
		deps:           deps,
		logger:         logger,
		sessions:       make(map[schema.ProfileName]*core.Session),
		tokens:         make(map[schema.ProfileName]*oauth.Manager),
	}, nil
}

// Profiles returns the configured profile names in sorted order.
func (h *Host) Profiles() []schema.ProfileName {
	names := make([]schema.ProfileName, 0, len(h.profiles))
	for name := range h.profiles {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Profile resolves a profile by name; an empty name selects the default profile.
func (h *Host) Profile(name string) (schema.Profile, error) {
	key := schema.ProfileName(strings.ToLower(strings.TrimSpace(name)))
	if key == "" {
		key = h.defaultProfile
	}
	if key == "" {
		return schema.Profile{}, fmt.Errorf("%w: no profile given and no default profile", schema.ErrProfileNotFound)
	}
	profile, ok := h.profiles[key]
	if !ok {
		return schema.Profile{}, fmt.Errorf("%w: %q", schema.ErrProfileNotFound, key)
	}
	return profile, nil
}

// Session returns the session for a profile, creating it on first use.
// Repeated calls return the same session until it is closed.
func (h *Host) Session(name string) (*core.Session, error) {
	profile, err := h.Profile(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, schema.ErrSessionClosed
	}
	if session, ok := h.sessions[profile.Name]; ok && session.State() != schema.SessionClosed {
		return session, nil
	}
	session, err := h.newSessionLocked(profile)
	if err != nil {
		return nil, err
	}
	h.sessions[profile.Name] = session
	return session, nil
}

// NewSession builds a session the Host does not track. The caller closes it.
// REST sessions still share the profile's token manager.
func (h *Host) NewSession(name string) (*core.Session, error) {
	profile, err := h.Profile(name)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, schema.ErrSessionClosed
	}
	return h.newSessionLocked(profile)
}

func (h *Host) newSessionLocked(profile schema.Profile) (*core.Session, error) {
	logger := logx.WithProfile(h.logger, profile.Name)
	deps := TransportDeps{Logger: logger, HTTPClient: h.deps.HTTPClient, BrokerTLS: h.deps.BrokerTLS}
	if profile.Connection == schema.TransportREST {
		deps.Tokens = h.tokenManagerLocked(profile)
	}
	transport, err := NewTransport(profile, deps)
	if err != nil {
		return nil, err
	}
	var observer core.Observer
	if h.deps.Observer != nil {
		observer = h.deps.Observer
	}
	return core.NewSession(profile.Name, transport, core.SessionDeps{Observer: observer, Logger: h.logger}), nil
}

// TokenManager returns the token manager of a REST profile.
func (h *Host) TokenManager(name string) (*oauth.Manager, error) {
	profile, err := h.Profile(name)
	if err != nil {
		return nil, err
	}
	if profile.Connection != schema.TransportREST {
		return nil, fmt.Errorf("profile %s uses %s; only rest profiles hold tokens", profile.Name, profile.Connection)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokenManagerLocked(profile), nil
}

func (h *Host) tokenManagerLocked(profile schema.Profile) *oauth.Manager {
	if manager, ok := h.tokens[profile.Name]; ok {
		return manager
	}
	client := h.deps.HTTPClient
	if client == nil {
		client = rest.NewHTTPClient(profile.REST.InsecureSkipVerify)
	}
	var observer oauth.Observer
	if h.deps.Observer != nil {
		observer = h.deps.Observer
	}
	manager := oauth.NewManager(oauth.Config{
		Endpoint:     profile.REST.Endpoint,
		ClientID:     profile.REST.ClientID,
		ClientSecret: profile.REST.ClientSecret,
		RedirectURL:  profile.REST.RedirectURL,
		HTTPClient:   client,
		Authorizer:   h.deps.Authorizer,
		Observer:     observer,
		Logger:       logx.WithProfile(h.logger, profile.Name),
	})
	h.tokens[profile.Name] = manager
	return manager
}

// Login runs interactive authorization for a REST profile and caches the token.
func (h *Host) Login(ctx context.Context, name string) error {
	manager, err := h.TokenManager(name)
	if err != nil {
		return err
	}
	_, err = manager.Login(ctx)
	return err
}

// Logout forgets the cached token of a REST profile.
func (h *Host) Logout(name string) error {
	manager, err := h.TokenManager(name)
	if err != nil {
		return err
	}
	manager.Forget()
	return nil
}

// BrokerFactory serves broker Connect requests from this Host's profiles. A
// request without a "profile" option gets fallback.
func (h *Host) BrokerFactory(fallback string) broker.SessionFactory {
	return func(ctx context.Context, options map[string]string) (*core.Session, error) {
		name := options["profile"]
		if strings.TrimSpace(name) == "" {
			name = fallback
		}
		profile, err := h.Profile(name)
		if err != nil {
			return nil, err
		}
		if profile.Connection == schema.TransportGRPC {
			return nil, fmt.Errorf("profile %s is itself a broker profile", profile.Name)
		}
		pslog.Ctx(ctx).Debug("broker session requested", "profile", profile.Name)
		return h.NewSession(string(profile.Name))
	}
}

// Close closes every tracked session and forgets cached tokens. Later
// Session calls fail.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*core.Session, 0, len(h.sessions))
	for name, session := range h.sessions {
		sessions = append(sessions, session)
		delete(h.sessions, name)
	}
	managers := make([]*oauth.Manager, 0, len(h.tokens))
	for _, manager := range h.tokens {
		managers = append(managers, manager)
	}
	h.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, manager := range managers {
		manager.Forget()
	}
	h.logger.Debug("host closed", "sessions", len(sessions))
	return errors.Join(errs...)
}
