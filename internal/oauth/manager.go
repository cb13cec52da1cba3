package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
)

const (
	tokenPath     = "/SASLogon/oauth/token"
	authorizePath = "/SASLogon/oauth/authorize"
	// ValidatePath is the lightweight authenticated resource used to check a token.
	ValidatePath = "/identities/users/@currentUser"
)

// ErrAuthorizationRequired is returned when no token is cached and no
// Authorizer is configured.
var ErrAuthorizationRequired = errors.New("authorization required")

// Authorizer completes the interactive part of the authorization code flow:
// it presents authURL to the user and returns the authorization code.
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (string, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, authURL string) (string, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// Observer receives token lifecycle events.
type Observer interface {
	TokenEvent(event string, err error)
}

// Token events reported to Observer.
const (
	EventAuthorize = "authorize"
	EventRefresh   = "refresh"
	EventValidate  = "validate"
)

// Config describes one OAuth client against one endpoint.
type Config struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client
	Authorizer   Authorizer
	Observer     Observer
	Logger       pslog.Logger
}

// Manager caches one access/refresh token pair and keeps it usable.
type Manager struct {
	oauth       oauth2.Config
	validateURL string
	client      *http.Client
	authorizer  Authorizer
	observer    Observer
	logger      pslog.Logger

	group singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
	// checked is the access token last accepted by the validation endpoint.
	checked string
}

// NewManager constructs a token manager for the endpoint.
func NewManager(cfg Config) *Manager {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Manager{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoint + authorizePath,
				TokenURL:  endpoint + tokenPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		validateURL: endpoint + ValidatePath,
		client:      client,
		authorizer:  cfg.Authorizer,
		observer:    cfg.Observer,
		logger:      logger.With("endpoint", endpoint),
	}
}

func (m *Manager) exchangeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *Manager) report(event string, err error) {
	if m.observer != nil {
		m.observer.TokenEvent(event, err)
	}
}

func (m *Manager) cached() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Manager) store(tok *oauth2.Token) {
	m.mu.Lock()
	m.token = tok
	m.checked = ""
	m.mu.Unlock()
}

// trusted reports whether access was already validated.
func (m *Manager) trusted(access string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return access != "" && m.checked == access
}

func (m *Manager) markChecked(access string) {
	m.mu.Lock()
	if m.token != nil && m.token.AccessToken == access {
		m.checked = access
	}
	m.mu.Unlock()
}

// Token returns a copy of the cached token, if any.
func (m *Manager) Token() (oauth2.Token, bool) {
	tok := m.cached()
	if tok == nil {
		return oauth2.Token{}, false
	}
	return *tok, true
}

// SetToken seeds the cache, e.g. from a token obtained out of band.
func (m *Manager) SetToken(tok oauth2.Token) {
	m.store(&tok)
}

// Forget clears the cached tokens.
func (m *Manager) Forget() {
	m.store(nil)
	m.logger.Debug("oauth token forgotten")
}

// AccessToken returns a validated access token. A cached token is validated
// once and then handed out as is; callers report later rejections through
// Refresh. A token that fails validation is refreshed exactly once; failure to
// refresh falls back to the interactive authorization flow.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok := m.cached()
	if tok == nil {
		return m.authorize(ctx)
	}
	if !tok.Expiry.IsZero() && time.Now().After(tok.Expiry) {
		m.logger.Debug("oauth token expired locally; refreshing")
	} else if m.trusted(tok.AccessToken) {
		return tok.AccessToken, nil
	} else {
		status, err := m.validate(ctx, tok.AccessToken)
		if err != nil {
			return "", err
		}
		if status != http.StatusUnauthorized {
			m.markChecked(tok.AccessToken)
			return tok.AccessToken, nil
		}
		m.logger.Debug("oauth token rejected; refreshing")
	}

	access, err := m.Refresh(ctx, tok.AccessToken)
	if err != nil {
		m.logger.Warn("oauth refresh failed; authorization required", "err", err)
		m.Forget()
		return m.authorize(ctx)
	}
	status, err := m.validate(ctx, access)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", core.NewError(core.ErrorAuth, "validate token", errors.New("access token rejected after refresh"))
	}
	m.markChecked(access)
	return access, nil
}

func (m *Manager) validate(ctx context.Context, access string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.validateURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		m.report(EventValidate, err)
		return 0, core.Classify("validate token", err)
	}
	_ = resp.Body.Close()
	m.report(EventValidate, nil)
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode >= 400 {
		m.logger.Debug("oauth validate unexpected status", "status", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Refresh exchanges the refresh token for a new access token. If the cache
// already holds an access token different from stale, that token is returned
// without an exchange. Concurrent callers share a single exchange.
func (m *Manager) Refresh(ctx context.Context, stale string) (string, error) {
	if tok := m.cached(); tok != nil && tok.AccessToken != "" && tok.AccessToken != stale {
		return tok.AccessToken, nil
	}
	v, err, shared := m.group.Do("refresh", func() (any, error) {
		current := m.cached()
		if current != nil && current.AccessToken != "" && current.AccessToken != stale {
			return current.AccessToken, nil
		}
		if current == nil || current.RefreshToken == "" {
			return "", core.NewError(core.ErrorAuth, "refresh token", errors.New("no refresh token cached"))
		}
		src := m.oauth.TokenSource(m.exchangeContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
		next, err := src.Token()
		m.report(EventRefresh, err)
		if err != nil {
			return "", core.NewError(core.ErrorAuth, "refresh token", err)
		}
		if next.RefreshToken == "" {
			next.RefreshToken = current.RefreshToken
		}
		m.store(next)
		m.logger.Info("oauth token refreshed", "expiry", next.Expiry)
		return next.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Trace("oauth refresh shared")
	}
	return v.(string), nil
}

// Login forces the interactive authorization flow and caches the result.
func (m *Manager) Login(ctx context.Context) (string, error) {
	return m.authorize(ctx)
}

func (m *Manager) authorize(ctx context.Context) (string, error) {
	if m.authorizer == nil {
		return "", core.NewError(core.ErrorAuth, "authorize", ErrAuthorizationRequired)
	}
	verifier, err := GenerateVerifier()
	if err != nil {
		return "", core.NewError(core.ErrorAuth, "authorize", err)
	}
	authURL := m.oauth.AuthCodeURL("", oauth2.S256ChallengeOption(verifier))
	m.logger.Info("oauth authorization required")
	code, err := m.authorizer.Authorize(ctx, authURL)
	if err != nil {
		m.report(EventAuthorize, err)
		return "", core.NewError(core.ErrorAuth, "authorize", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		err := errors.New("empty authorization code")
		m.report(EventAuthorize, err)
		return "", core.NewError(core.ErrorAuth, "authorize", err)
	}
	tok, err := m.oauth.Exchange(m.exchangeContext(ctx), code, oauth2.VerifierOption(verifier))
	m.report(EventAuthorize, err)
	if err != nil {
		return "", core.NewError(core.ErrorAuth, "exchange code", fmt.Errorf("token exchange: %w", err))
	}
	m.store(tok)
	m.markChecked(tok.AccessToken)
	m.logger.Info("oauth authorized", "expiry", tok.Expiry)
	return tok.AccessToken, nil
}
