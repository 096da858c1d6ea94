// Package limits throttles inbound API clients with Redis-backed counters:
// a fixed-window requests-per-minute cap plus a parallel request semaphore.
// State lives in Redis so every replica enforces the same budget.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stamns/flow2api/internal/config"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter enforces per-client request budgets. A nil limiter or client
// disables enforcement.
type RateLimiter struct {
	client *redis.Client
	cfg    config.RateLimitConfig
}

func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, cfg: cfg}
}

// Allow admits one request for the client key or returns ErrLimitExceeded.
// On admission with a parallel cap, the caller must pair with Release.
func (l *RateLimiter) Allow(ctx context.Context, key string) error {
	if l == nil || l.client == nil {
		return nil
	}

	if l.cfg.RequestsPerMinute > 0 {
		if err := l.countCheck(ctx, fmt.Sprintf("rpm:%s", key), time.Minute, l.cfg.RequestsPerMinute); err != nil {
			return err
		}
	}
	if l.cfg.ParallelRequests > 0 {
		if err := l.semaphoreAcquire(ctx, fmt.Sprintf("sem:%s", key), l.cfg.ParallelRequests); err != nil {
			return err
		}
	}
	return nil
}

// Release returns the client's parallel slot.
func (l *RateLimiter) Release(ctx context.Context, key string) {
	if l == nil || l.client == nil {
		return
	}
	if l.cfg.ParallelRequests > 0 {
		l.client.Decr(ctx, fmt.Sprintf("sem:%s", key))
	}
}

func (l *RateLimiter) countCheck(ctx context.Context, key string, ttl time.Duration, limit int) error {
	window := time.Now().UTC().Unix() / int64(ttl.Seconds())
	redisKey := fmt.Sprintf("%s:%d", key, window)

	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, ttl)
	}
	if int(cnt) > limit {
		return ErrLimitExceeded
	}
	return nil
}

// semaphoreAcquire increments and rolls back when over the cap. The TTL
// bounds leakage from crashed holders.
func (l *RateLimiter) semaphoreAcquire(ctx context.Context, key string, max int) error {
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, 30*time.Minute)
	}
	if int(cnt) > max {
		l.client.Decr(ctx, key)
		return ErrLimitExceeded
	}
	return nil
}
