package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	sharedRedisURL string
	redisOnce      sync.Once
	redisErr       error
)

// SetupTestRedis returns a client against the shared test Redis, selecting a
// database by index so tests in the same package stay isolated.
// - CI: connects to the external Redis service from CI_REDIS_URL
// - Local: uses a shared testcontainer (started once per package)
func SetupTestRedis(t *testing.T, db int) *goredis.Client {
	url := getOrCreateSharedRedis(t)

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	opts.DB = db

	client := goredis.NewClient(opts)
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func getOrCreateSharedRedis(t *testing.T) string {
	if ciRedisURL := os.Getenv("CI_REDIS_URL"); ciRedisURL != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return ciRedisURL
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		redisContainer, err := redis.Run(ctx, "redis:7-alpine")
		if err != nil {
			redisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		url, err := redisContainer.ConnectionString(ctx)
		if err != nil {
			redisErr = fmt.Errorf("failed to get redis connection string: %w", err)
			return
		}
		sharedRedisURL = url
		t.Logf("Shared redis container ready: %s", sharedRedisURL)
	})

	require.NoError(t, redisErr, "Failed to setup shared redis container")
	return sharedRedisURL
}
