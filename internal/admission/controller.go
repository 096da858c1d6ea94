// Package admission tracks in-flight generations per token and media type
// and enforces each token's concurrency ceiling.
package admission

import (
	"fmt"
	"sync"

	"github.com/stamns/flow2api/internal/models"
)

type slotKey struct {
	tokenID int64
	media   models.MediaType
}

// Controller counts in-flight work. It is the single authority on whether a
// token has a free slot; callers must pair every successful TryAcquire with
// exactly one Release.
type Controller struct {
	mu       sync.Mutex
	inFlight map[slotKey]int
}

func NewController() *Controller {
	return &Controller{inFlight: make(map[slotKey]int)}
}

// TryAcquire reserves a slot when the in-flight count is below the ceiling.
// A ceiling of models.UnlimitedConcurrency admits unconditionally. The check
// and increment happen under one lock, so concurrent callers cannot both
// take the last slot.
func (c *Controller) TryAcquire(tokenID int64, media models.MediaType, ceiling int) bool {
	key := slotKey{tokenID: tokenID, media: media}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ceiling != models.UnlimitedConcurrency && c.inFlight[key] >= ceiling {
		return false
	}
	c.inFlight[key]++
	return true
}

// Release frees a previously acquired slot. Releasing a slot that was never
// acquired is a caller bug; the count is left at zero and an error is
// returned so the fault surfaces instead of corrupting the ledger.
func (c *Controller) Release(tokenID int64, media models.MediaType) error {
	key := slotKey{tokenID: tokenID, media: media}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.inFlight[key]
	if n <= 0 {
		return fmt.Errorf("admission: release without acquire for token %d (%s)", tokenID, media)
	}
	if n == 1 {
		delete(c.inFlight, key)
	} else {
		c.inFlight[key] = n - 1
	}
	return nil
}

// InFlight reports the current count for one token and media type.
func (c *Controller) InFlight(tokenID int64, media models.MediaType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[slotKey{tokenID: tokenID, media: media}]
}

// TotalInFlight reports the count across both media types for one token.
// Token deletion uses this to refuse removing a token with live work.
func (c *Controller) TotalInFlight(tokenID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for key, n := range c.inFlight {
		if key.tokenID == tokenID {
			total += n
		}
	}
	return total
}
