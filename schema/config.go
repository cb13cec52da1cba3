package schema

import (
	"fmt"
	"strings"
)

// Profile is a tagged union: Connection selects which binding config applies.
type Profile struct {
	Name       ProfileName   `mapstructure:"-" yaml:"-"`
	Connection TransportKind `mapstructure:"connection" yaml:"connection"`
	REST       RESTConfig    `mapstructure:"rest" yaml:"rest,omitempty"`
	SSH        SSHConfig     `mapstructure:"ssh" yaml:"ssh,omitempty"`
	Batch      BatchConfig   `mapstructure:"batch" yaml:"batch,omitempty"`
	GRPC       GRPCConfig    `mapstructure:"grpc" yaml:"grpc,omitempty"`
	// HTML wraps submitted code so the engine produces HTML5 output.
	HTML *bool `mapstructure:"html" yaml:"html,omitempty"`
}

// RESTConfig configures the compute REST binding.
type RESTConfig struct {
	Endpoint           string `mapstructure:"endpoint" yaml:"endpoint"`
	ClientID           string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret       string `mapstructure:"client_secret" yaml:"client_secret"`
	Context            string `mapstructure:"context" yaml:"context"`
	ServerID           string `mapstructure:"server_id" yaml:"server_id,omitempty"`
	RedirectURL        string `mapstructure:"redirect_url" yaml:"redirect_url,omitempty"`
	PollWaitSeconds    int    `mapstructure:"poll_wait_seconds" yaml:"poll_wait_seconds"`
	RunTimeoutSeconds  int    `mapstructure:"run_timeout_seconds" yaml:"run_timeout_seconds"`
	ResultMarker       string `mapstructure:"result_marker" yaml:"result_marker,omitempty"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`
}

// SSHConfig configures the SSH shell binding.
type SSHConfig struct {
	Host                string   `mapstructure:"host" yaml:"host"`
	Port                int      `mapstructure:"port" yaml:"port"`
	User                string   `mapstructure:"user" yaml:"user"`
	KeyPath             string   `mapstructure:"key_path" yaml:"key_path,omitempty"`
	UseAgent            bool     `mapstructure:"use_agent" yaml:"use_agent,omitempty"`
	KnownHosts          string   `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
	InsecureHostKey     bool     `mapstructure:"insecure_host_key" yaml:"insecure_host_key,omitempty"`
	SASPath             string   `mapstructure:"sas_path" yaml:"sas_path"`
	SASOptions          []string `mapstructure:"sas_options" yaml:"sas_options,omitempty"`
	SetupTimeoutSeconds int      `mapstructure:"setup_timeout_seconds" yaml:"setup_timeout_seconds"`
	IdleTimeoutSeconds  int      `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// BatchConfig configures the local batch process binding.
type BatchConfig struct {
	Executable string   `mapstructure:"executable" yaml:"executable"`
	Args       []string `mapstructure:"args" yaml:"args,omitempty"`
	WorkDir    string   `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
}

// GRPCConfig configures the gRPC broker binding.
type GRPCConfig struct {
	Address               string            `mapstructure:"address" yaml:"address"`
	TLS                   bool              `mapstructure:"tls" yaml:"tls,omitempty"`
	ConnectTimeoutSeconds int               `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	Options               map[string]string `mapstructure:"options" yaml:"options,omitempty"`
}

const (
	// DefaultPollWaitSeconds bounds a single REST long-poll.
	DefaultPollWaitSeconds = 5
	// DefaultSSHPort is the SSH port used when none is configured.
	DefaultSSHPort = 22
	// DefaultSetupTimeoutSeconds bounds SSH connection setup.
	DefaultSetupTimeoutSeconds = 10
	// DefaultIdleTimeoutSeconds is the SSH inactivity watchdog.
	DefaultIdleTimeoutSeconds = 10
	// DefaultConnectTimeoutSeconds bounds the broker handshake.
	DefaultConnectTimeoutSeconds = 15
	// DefaultResultMarker selects HTML artifacts that carry a document body.
	DefaultResultMarker = "<body"
)

// HTMLEnabled reports whether code is wrapped for HTML output (default true).
func (p Profile) HTMLEnabled() bool {
	if p.HTML == nil {
		return true
	}
	return *p.HTML
}

// NormalizeProfile applies defaults and validates the fields required by the
// selected connection kind.
func NormalizeProfile(p Profile) (Profile, error) {
	p.Connection = TransportKind(strings.ToLower(strings.TrimSpace(string(p.Connection))))
	if !p.Connection.Valid() {
		return Profile{}, fmt.Errorf("%w %q", ErrUnknownTransport, p.Connection)
	}
	switch p.Connection {
	case TransportREST:
		p.REST.Endpoint = strings.TrimRight(strings.TrimSpace(p.REST.Endpoint), "/")
		if p.REST.Endpoint == "" {
			return Profile{}, fmt.Errorf("%w: rest.endpoint is required", ErrInvalidProfile)
		}
		if p.REST.Context == "" && p.REST.ServerID == "" {
			return Profile{}, fmt.Errorf("%w: rest.context or rest.server_id is required", ErrInvalidProfile)
		}
		if p.REST.PollWaitSeconds <= 0 {
			p.REST.PollWaitSeconds = DefaultPollWaitSeconds
		}
		if p.REST.ResultMarker == "" {
			p.REST.ResultMarker = DefaultResultMarker
		}
	case TransportSSH:
		if strings.TrimSpace(p.SSH.Host) == "" {
			return Profile{}, fmt.Errorf("%w: ssh.host is required", ErrInvalidProfile)
		}
		if strings.TrimSpace(p.SSH.User) == "" {
			return Profile{}, fmt.Errorf("%w: ssh.user is required", ErrInvalidProfile)
		}
		if strings.TrimSpace(p.SSH.SASPath) == "" {
			return Profile{}, fmt.Errorf("%w: ssh.sas_path is required", ErrInvalidProfile)
		}
		if p.SSH.Port <= 0 {
			p.SSH.Port = DefaultSSHPort
		}
		if p.SSH.SetupTimeoutSeconds <= 0 {
			p.SSH.SetupTimeoutSeconds = DefaultSetupTimeoutSeconds
		}
		if p.SSH.IdleTimeoutSeconds <= 0 {
			p.SSH.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
		}
	case TransportBatch:
		if strings.TrimSpace(p.Batch.Executable) == "" {
			return Profile{}, fmt.Errorf("%w: batch.executable is required", ErrInvalidProfile)
		}
	case TransportGRPC:
		if strings.TrimSpace(p.GRPC.Address) == "" {
			return Profile{}, fmt.Errorf("%w: grpc.address is required", ErrInvalidProfile)
		}
		if p.GRPC.ConnectTimeoutSeconds <= 0 {
			p.GRPC.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
		}
	}
	return p, nil
}
