// Package config loads the relayd configuration: a YAML file with
// {{.VAR}}-style environment expansion, merged over built-in defaults.
package config

import (
	"fmt"
	"time"
)

// BackendKind selects the event backend the daemon runs on.
type BackendKind string

const (
	// BackendMemory is the in-process backend, for development and tests.
	BackendMemory BackendKind = "memory"
	// BackendRedis is Pub/Sub fan-out with Streams resume.
	BackendRedis BackendKind = "redis"
	// BackendPostgres is NOTIFY fan-out with an events-table catchup.
	BackendPostgres BackendKind = "postgres"
	// BackendSQLite is the single-instance durable node over an embedded
	// store, with token-gated websockets.
	BackendSQLite BackendKind = "sqlite"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Token   TokenConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr string
	// SocketURL is the externally reachable websocket endpoint embedded in
	// durable-subscription grants.
	SocketURL string
	// AllowedWSOrigins are origin patterns accepted on websocket upgrade.
	// Empty accepts any origin.
	AllowedWSOrigins []string
}

// BackendConfig holds the backend selection and its per-kind settings.
type BackendConfig struct {
	Kind BackendKind
	// Prefix namespaces keys, tables and broadcast channels.
	Prefix string
	// Retention bounds how long events stay replayable.
	Retention time.Duration

	RedisURL    string
	PostgresURL string

	SQLitePath string
	// InactivityThreshold is added to Retention before the durable node
	// wipes an idle store.
	InactivityThreshold time.Duration
}

// TokenConfig holds durable-subscription token settings.
type TokenConfig struct {
	// SecretEnv names the environment variable carrying the signing secret.
	SecretEnv string
	// Secret is the resolved signing secret. Never set from YAML.
	Secret string
	TTL    time.Duration
}

// defaults returns the built-in configuration; user YAML merges on top.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Backend: BackendConfig{
			Kind:                BackendMemory,
			Prefix:              "relay:",
			Retention:           5 * time.Minute,
			RedisURL:            "redis://localhost:6379",
			SQLitePath:          "relay.db",
			InactivityThreshold: 10 * time.Minute,
		},
		Token: TokenConfig{
			SecretEnv: "RELAY_TOKEN_SECRET",
			TTL:       2 * time.Minute,
		},
	}
}

// Validate checks the resolved configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendMemory, BackendRedis, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown backend kind %q", ErrInvalidConfig, c.Backend.Kind)
	}
	if c.Backend.Retention <= 0 {
		return fmt.Errorf("%w: retention must be positive", ErrInvalidConfig)
	}
	if c.Backend.Kind == BackendRedis && c.Backend.RedisURL == "" {
		return fmt.Errorf("%w: redis backend requires a url", ErrInvalidConfig)
	}
	if c.Backend.Kind == BackendPostgres && c.Backend.PostgresURL == "" {
		return fmt.Errorf("%w: postgres backend requires a url", ErrInvalidConfig)
	}
	if c.Backend.Kind == BackendSQLite {
		if c.Backend.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite backend requires a path", ErrInvalidConfig)
		}
		if c.Token.Secret == "" {
			return fmt.Errorf("%w: sqlite backend requires a token secret in $%s",
				ErrInvalidConfig, c.Token.SecretEnv)
		}
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("%w: token ttl must be positive", ErrInvalidConfig)
	}
	return nil
}
