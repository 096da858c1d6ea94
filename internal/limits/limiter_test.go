package limits

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stamns/flow2api/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) *RateLimiter {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewRateLimiter(client, cfg)
}

func TestAllowEnforcesParallel(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{ParallelRequests: 1})
	ctx := context.Background()
	key := "client:a"

	if err := limiter.Allow(ctx, key); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key); err != ErrLimitExceeded {
		t.Fatalf("expected parallel limit error, got %v", err)
	}
	limiter.Release(ctx, key)
	if err := limiter.Allow(ctx, key); err != nil {
		t.Fatalf("request after release should pass: %v", err)
	}
}

func TestAllowEnforcesRPM(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{RequestsPerMinute: 2})
	ctx := context.Background()
	key := "client:b"

	if err := limiter.Allow(ctx, key); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key); err != nil {
		t.Fatalf("second request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key); err != ErrLimitExceeded {
		t.Fatalf("expected rpm limit error, got %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{RequestsPerMinute: 1})
	ctx := context.Background()

	if err := limiter.Allow(ctx, "client:a"); err != nil {
		t.Fatalf("client a: %v", err)
	}
	if err := limiter.Allow(ctx, "client:b"); err != nil {
		t.Fatalf("client b must have its own budget: %v", err)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Allow(context.Background(), "any"); err != nil {
		t.Fatalf("nil limiter must be a no-op: %v", err)
	}
	limiter.Release(context.Background(), "any")
}
