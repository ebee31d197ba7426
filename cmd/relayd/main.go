// Relay daemon: exposes resumable event publish/subscribe over HTTP and
// websockets, on a pluggable backend (memory, redis, postgres, or the
// embedded sqlite durable node).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaykit/relay/pkg/api"
	"github.com/relaykit/relay/pkg/config"
	"github.com/relaykit/relay/pkg/durable"
	"github.com/relaykit/relay/pkg/durable/token"
	"github.com/relaykit/relay/pkg/pubsub"
	"github.com/relaykit/relay/pkg/pubsub/pgpub"
	"github.com/relaykit/relay/pkg/pubsub/redispub"
	"github.com/relaykit/relay/pkg/store/sqlitestore"
	"github.com/relaykit/relay/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("RELAY_CONFIG", "relay.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting relayd", "version", version.Full(), "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var (
		publisher *pubsub.Publisher
		node      *durable.Node
		issuer    *token.Issuer
		cleanup   []func()
	)

	switch cfg.Backend.Kind {
	case config.BackendMemory:
		publisher = pubsub.NewPublisher(pubsub.NewMemoryBackend(pubsub.MemoryOptions{
			Retention: cfg.Backend.Retention,
		}))
		slog.Info("Using in-memory backend")

	case config.BackendRedis:
		opts, err := goredis.ParseURL(cfg.Backend.RedisURL)
		if err != nil {
			slog.Error("Invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		backend := redispub.New(rdb, redispub.Options{
			Prefix:    cfg.Backend.Prefix,
			Retention: cfg.Backend.Retention,
			Resume:    true,
		})
		cleanup = append(cleanup, func() {
			_ = backend.Close()
			_ = rdb.Close()
		})
		publisher = pubsub.NewPublisher(backend)
		slog.Info("Using redis backend", "prefix", cfg.Backend.Prefix)

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Backend.PostgresURL)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		backend, err := pgpub.New(ctx, pool, cfg.Backend.PostgresURL, pgpub.Options{
			Prefix:    cfg.Backend.Prefix,
			Retention: cfg.Backend.Retention,
			Resume:    true,
		})
		if err != nil {
			slog.Error("Failed to initialize postgres backend", "error", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() {
			_ = backend.Close()
			pool.Close()
		})
		publisher = pubsub.NewPublisher(backend)
		slog.Info("Using postgres backend", "prefix", cfg.Backend.Prefix)

	case config.BackendSQLite:
		// The store is opened before the node exists, so the probe reads the
		// node through an atomic pointer published after construction.
		var nodeRef atomic.Pointer[durable.Node]
		store, err := sqlitestore.Open(cfg.Backend.SQLitePath, sqlitestore.Options{
			Retention:           cfg.Backend.Retention,
			InactivityThreshold: cfg.Backend.InactivityThreshold,
			ActivityProbe: func() bool {
				n := nodeRef.Load()
				return n != nil && n.ActiveSockets() > 0
			},
		})
		if err != nil {
			slog.Error("Failed to open sqlite store", "path", cfg.Backend.SQLitePath, "error", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { _ = store.Close() })
		node = durable.NewNode(store, durable.Options{})
		nodeRef.Store(node)
		issuer = token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL)
		slog.Info("Using sqlite durable node", "path", cfg.Backend.SQLitePath)
	}

	apiServer := api.NewServer(publisher, node, issuer, api.Options{
		SocketURL:      cfg.Server.SocketURL,
		AllowedOrigins: cfg.Server.AllowedWSOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	slog.Info("Shutdown complete")
}
