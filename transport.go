package saslink

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/batch"
	"pkt.systems/saslink/internal/broker"
	"pkt.systems/saslink/internal/rest"
	"pkt.systems/saslink/internal/sshshell"
	"pkt.systems/saslink/schema"
)

// ErrTokensRequired indicates a REST profile was resolved without a token source.
var ErrTokensRequired = errors.New("rest transport requires a token source")

// TransportDeps captures what the bindings need beyond the profile itself.
type TransportDeps struct {
	Logger pslog.Logger
	// Tokens authenticates REST requests.
	Tokens rest.TokenSource
	// HTTPClient overrides the REST client; by default one honouring
	// rest.insecure_skip_verify is built.
	HTTPClient *http.Client
	// BrokerTLS overrides the broker client TLS settings.
	BrokerTLS *tls.Config
}

// NewTransport resolves the profile's connection kind to its binding. The
// profile must be normalized.
func NewTransport(profile schema.Profile, deps TransportDeps) (core.Transport, error) {
	logger := deps.Logger
	html := profile.HTMLEnabled()
	switch profile.Connection {
	case schema.TransportREST:
		if deps.Tokens == nil {
			return nil, ErrTokensRequired
		}
		client := deps.HTTPClient
		if client == nil {
			client = rest.NewHTTPClient(profile.REST.InsecureSkipVerify)
		}
		return rest.New(profile.REST, deps.Tokens, rest.Options{HTTPClient: client, Logger: logger, HTML: html}), nil
	case schema.TransportSSH:
		return sshshell.New(profile.SSH, sshshell.Options{Logger: logger, HTML: html}), nil
	case schema.TransportBatch:
		return batch.New(profile.Batch, batch.Options{Logger: logger, HTML: html}), nil
	case schema.TransportGRPC:
		return broker.New(profile.GRPC, broker.Options{Logger: logger, TLSConfig: deps.BrokerTLS}), nil
	default:
		return nil, fmt.Errorf("%w %q", schema.ErrUnknownTransport, profile.Connection)
	}
}
