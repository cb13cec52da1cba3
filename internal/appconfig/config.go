package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/saslink/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion  int                       `mapstructure:"config_version" yaml:"config_version"`
	DefaultProfile string                    `mapstructure:"default_profile" yaml:"default_profile"`
	StateDir       string                    `mapstructure:"state_dir" yaml:"state_dir"`
	Broker         BrokerConfig              `mapstructure:"broker" yaml:"broker"`
	Profiles       map[string]schema.Profile `mapstructure:"profiles" yaml:"profiles"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BrokerConfig configures `saslink broker serve`.
type BrokerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Profile is served to Connect requests that do not name one.
	Profile     string `mapstructure:"profile" yaml:"profile"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	TLSCertFile string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	ChunkSize   int    `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// DefaultConfig returns a config with sensible defaults and no profiles.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".saslink", "state"),
		Broker: BrokerConfig{
			Addr:        filepath.Join(runtimeDir, "saslink", "broker.sock"),
			MetricsAddr: "",
			ChunkSize:   32 * 1024,
		},
	}, nil
}

// exampleProfiles seeds a freshly written config file.
func exampleProfiles() map[string]schema.Profile {
	return map[string]schema.Profile{
		"local": {
			Connection: schema.TransportBatch,
			Batch:      schema.BatchConfig{Executable: "sas", Args: []string{"-nodms"}},
		},
		"viya": {
			Connection: schema.TransportREST,
			REST: schema.RESTConfig{
				Endpoint:          "https://viya.example.com",
				ClientID:          "saslink",
				Context:           "SAS Job Execution compute context",
				PollWaitSeconds:   schema.DefaultPollWaitSeconds,
				RunTimeoutSeconds: 0,
			},
		},
		"grid": {
			Connection: schema.TransportSSH,
			SSH: schema.SSHConfig{
				Host:    "sas.example.com",
				Port:    schema.DefaultSSHPort,
				User:    "${USER}",
				SASPath: "/opt/sas/SASHome/SASFoundation/9.4/sas",
			},
		},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".saslink", "config.yaml"), nil
}

// ProfileNames returns the configured profile names in sorted order.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile, or the default profile when name is empty.
func (c Config) Profile(name string) (schema.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.DefaultProfile
	}
	if name == "" {
		return schema.Profile{}, fmt.Errorf("%w: no profile given and default_profile is not set", schema.ErrProfileNotFound)
	}
	profile, ok := c.Profiles[strings.ToLower(name)]
	if !ok {
		return schema.Profile{}, fmt.Errorf("%w: %q", schema.ErrProfileNotFound, name)
	}
	return profile, nil
}
