package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// relayYAML is the on-disk shape of relay.yaml. Durations are strings parsed
// with time.ParseDuration; pointers distinguish "unset" from zero values.
type relayYAML struct {
	Server  *serverYAML  `yaml:"server"`
	Backend *backendYAML `yaml:"backend"`
	Token   *tokenYAML   `yaml:"token"`
}

type serverYAML struct {
	ListenAddr       string   `yaml:"listen_addr,omitempty"`
	SocketURL        string   `yaml:"socket_url,omitempty"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

type backendYAML struct {
	Kind                string `yaml:"kind,omitempty"`
	Prefix              string `yaml:"prefix,omitempty"`
	Retention           string `yaml:"retention,omitempty"`
	RedisURL            string `yaml:"redis_url,omitempty"`
	PostgresURL         string `yaml:"postgres_url,omitempty"`
	SQLitePath          string `yaml:"sqlite_path,omitempty"`
	InactivityThreshold string `yaml:"inactivity_threshold,omitempty"`
}

type tokenYAML struct {
	SecretEnv string `yaml:"secret_env,omitempty"`
	TTL       string `yaml:"ttl,omitempty"`
}

// Load reads, expands, merges and validates the configuration file. A missing
// file is not an error: the built-in defaults apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	raw, err := loadYAML(path)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		applyYAML(cfg, raw)
	} else {
		slog.Info("No configuration file found, using defaults", "path", path)
	}

	cfg.Token.Secret = os.Getenv(cfg.Token.SecretEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML reads and parses the file; nil means the file does not exist.
func loadYAML(path string) (*relayYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var raw relayYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &raw, nil
}

// applyYAML overlays the parsed file onto the defaults. Scalar sections merge
// with mergo (non-zero values override); durations parse individually so a
// bad value degrades to the default with a warning rather than failing load.
func applyYAML(cfg *Config, raw *relayYAML) {
	if raw.Server != nil {
		overlay := ServerConfig{
			ListenAddr:       raw.Server.ListenAddr,
			SocketURL:        raw.Server.SocketURL,
			AllowedWSOrigins: raw.Server.AllowedWSOrigins,
		}
		if err := mergo.Merge(&cfg.Server, overlay, mergo.WithOverride); err != nil {
			slog.Warn("Failed to merge server config, keeping defaults", "error", err)
		}
	}

	if raw.Backend != nil {
		overlay := BackendConfig{
			Kind:        BackendKind(raw.Backend.Kind),
			Prefix:      raw.Backend.Prefix,
			RedisURL:    raw.Backend.RedisURL,
			PostgresURL: raw.Backend.PostgresURL,
			SQLitePath:  raw.Backend.SQLitePath,
		}
		if err := mergo.Merge(&cfg.Backend, overlay, mergo.WithOverride); err != nil {
			slog.Warn("Failed to merge backend config, keeping defaults", "error", err)
		}
		cfg.Backend.Retention = parseDuration("backend.retention", raw.Backend.Retention, cfg.Backend.Retention)
		cfg.Backend.InactivityThreshold = parseDuration("backend.inactivity_threshold",
			raw.Backend.InactivityThreshold, cfg.Backend.InactivityThreshold)
	}

	if raw.Token != nil {
		if raw.Token.SecretEnv != "" {
			cfg.Token.SecretEnv = raw.Token.SecretEnv
		}
		cfg.Token.TTL = parseDuration("token.ttl", raw.Token.TTL, cfg.Token.TTL)
	}
}

// parseDuration parses value, keeping fallback on empty or invalid input.
func parseDuration(field, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field, "value", value, "default", fallback, "error", err)
		return fallback
	}
	return d
}
