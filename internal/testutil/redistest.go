package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RedisTest returns a client for a clean Redis database. REDIS_URL selects
// an existing server; otherwise a redis:7-alpine container is started once
// per test binary. The database is flushed before and after the test.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	var opts *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("redistest: parse REDIS_URL: %v", err)
		}
		opts = parsed
	} else {
		redisOnce.Do(func() { redisAddr, redisErr = startRedis() })
		if redisErr != nil {
			t.Skipf("REDIS_URL not set and redis container unavailable: %v", redisErr)
		}
		opts = &redis.Options{Addr: redisAddr}
	}

	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.FlushDB(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func startRedis() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return "", err
	}
	return container.Endpoint(ctx, "")
}
