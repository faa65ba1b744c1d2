package redis_test

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/noteable-io/sending/backend"
	"github.com/noteable-io/sending/backend/backendtest"
	"github.com/noteable-io/sending/backend/redis"
)

func TestRedisBackend(t *testing.T) {
	// Skip if Redis is not available
	probe := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	probe.Close()

	backendtest.RunBackendTests(t, func(t *testing.T) backend.Backend {
		b, err := redis.New(redis.Config{
			Addr:          "localhost:6379",
			ChannelPrefix: "test:sending:",
		})
		if err != nil {
			t.Fatalf("create redis backend: %v", err)
		}
		return b
	})
}
