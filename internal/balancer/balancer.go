// Package balancer picks the least-loaded eligible token for a generation
// and reserves a concurrency slot on it.
package balancer

import (
	"context"
	"log/slog"
	"sort"

	"github.com/stamns/flow2api/internal/admission"
	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/registry"
)

// Pool is the slice of the registry the balancer needs.
type Pool interface {
	Eligible(media models.MediaType, banThreshold int) []registry.Candidate
	MarkUsed(ctx context.Context, id int64)
}

// Slot is one reserved unit of concurrency on a token. The holder must call
// Release exactly once when the work finishes, success or not.
type Slot struct {
	Token models.Token
	media models.MediaType
	ctrl  *admission.Controller
}

// Release frees the slot. A second release reports the admission ledger
// error rather than silently shrinking another request's slot.
func (s *Slot) Release() error {
	return s.ctrl.Release(s.Token.ID, s.media)
}

// Balancer ranks candidates by load ratio, breaking ties toward the token
// idle longest.
type Balancer struct {
	pool   Pool
	ctrl   *admission.Controller
	logger *slog.Logger
}

func New(pool Pool, ctrl *admission.Controller, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{pool: pool, ctrl: ctrl, logger: logger}
}

// Acquire selects a token and reserves a slot on it. The candidate list is a
// point-in-time snapshot, so the acquire on each candidate is optimistic:
// when another request takes the last slot first, selection falls through to
// the next candidate. models.ErrNoCapacity means every eligible token is
// saturated (or none is eligible). Tokens in exclude are skipped; retries
// pass the token that already failed the same job.
func (b *Balancer) Acquire(ctx context.Context, media models.MediaType, banThreshold int, exclude ...int64) (*Slot, error) {
	candidates := b.pool.Eligible(media, banThreshold)
	if len(exclude) > 0 {
		kept := candidates[:0]
		for _, cand := range candidates {
			if !contains(exclude, cand.Token.ID) {
				kept = append(kept, cand)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return nil, models.ErrNoCapacity
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].LoadRatio(), candidates[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Token.LastUsedAt.Before(candidates[j].Token.LastUsedAt)
	})

	for _, cand := range candidates {
		if !b.ctrl.TryAcquire(cand.Token.ID, media, cand.Ceiling) {
			continue
		}
		b.pool.MarkUsed(ctx, cand.Token.ID)
		b.logger.Debug("token selected",
			slog.Int64("token_id", cand.Token.ID),
			slog.String("media", string(media)),
			slog.Int("in_flight", cand.InFlight+1))
		return &Slot{Token: cand.Token, media: media, ctrl: b.ctrl}, nil
	}

	return nil, models.ErrNoCapacity
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
