// Package cache holds short-lived request coordination state in Redis.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskKeys maps client Idempotency-Key headers to task ids, so a retried
// generation request returns the already-running task instead of spending
// another token slot.
type TaskKeys struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTaskKeys(client *redis.Client, ttl time.Duration) *TaskKeys {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TaskKeys{client: client, ttl: ttl}
}

// Lookup returns the task id previously claimed for the key.
func (c *TaskKeys) Lookup(ctx context.Context, key string) (string, bool) {
	if c == nil || c.client == nil || key == "" {
		return "", false
	}
	taskID, err := c.client.Get(ctx, c.prefixed(key)).Result()
	if err != nil {
		return "", false
	}
	return taskID, true
}

// Claim binds the key to a task id. The first claimant wins; false means the
// key is already bound and the caller should Lookup instead.
func (c *TaskKeys) Claim(ctx context.Context, key, taskID string) bool {
	if c == nil || c.client == nil || key == "" || taskID == "" {
		return false
	}
	ok, err := c.client.SetNX(ctx, c.prefixed(key), taskID, c.ttl).Result()
	if err != nil {
		return false
	}
	return ok
}

func (c *TaskKeys) prefixed(key string) string {
	return "flow2api:idem:" + key
}
