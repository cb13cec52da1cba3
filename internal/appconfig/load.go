package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/saslink/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// Every profile is normalized; an unknown connection kind or a missing
// per-kind field fails the whole load.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("broker.addr", cfg.Broker.Addr)
	v.SetDefault("broker.metrics_addr", cfg.Broker.MetricsAddr)
	v.SetDefault("broker.chunk_size", cfg.Broker.ChunkSize)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := normalizeProfiles(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalizeProfiles(cfg *Config) error {
	profiles := make(map[string]schema.Profile, len(cfg.Profiles))
	for name, profile := range cfg.Profiles {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return fmt.Errorf("%w: profile name must not be empty", schema.ErrInvalidProfile)
		}
		normalized, err := schema.NormalizeProfile(profile)
		if err != nil {
			return fmt.Errorf("profiles.%s: %w", key, err)
		}
		normalized.Name = schema.ProfileName(key)
		profiles[key] = normalized
	}
	cfg.Profiles = profiles

	cfg.DefaultProfile = strings.ToLower(strings.TrimSpace(cfg.DefaultProfile))
	if cfg.DefaultProfile == "" && len(profiles) == 1 {
		for name := range profiles {
			cfg.DefaultProfile = name
		}
	}
	if cfg.DefaultProfile != "" {
		if _, ok := profiles[cfg.DefaultProfile]; !ok {
			return fmt.Errorf("default_profile %q: %w", cfg.DefaultProfile, schema.ErrProfileNotFound)
		}
	}
	cfg.Broker.Profile = strings.ToLower(strings.TrimSpace(cfg.Broker.Profile))
	if cfg.Broker.Profile != "" {
		if _, ok := profiles[cfg.Broker.Profile]; !ok {
			return fmt.Errorf("broker.profile %q: %w", cfg.Broker.Profile, schema.ErrProfileNotFound)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Broker.Addr = expandEnv(cfg.Broker.Addr)
	cfg.Broker.TLSCertFile = expandEnv(cfg.Broker.TLSCertFile)
	cfg.Broker.TLSKeyFile = expandEnv(cfg.Broker.TLSKeyFile)
	for name, p := range cfg.Profiles {
		p.REST.Endpoint = expandEnv(p.REST.Endpoint)
		p.REST.ClientSecret = expandEnv(p.REST.ClientSecret)
		p.SSH.User = expandEnv(p.SSH.User)
		p.SSH.KeyPath = expandEnv(p.SSH.KeyPath)
		p.SSH.KnownHosts = expandEnv(p.SSH.KnownHosts)
		p.Batch.Executable = expandEnv(p.Batch.Executable)
		p.Batch.WorkDir = expandEnv(p.Batch.WorkDir)
		p.GRPC.Address = expandEnv(p.GRPC.Address)
		cfg.Profiles[name] = p
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config, with example profiles, to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	cfg.Profiles = exampleProfiles()
	cfg.DefaultProfile = "local"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
