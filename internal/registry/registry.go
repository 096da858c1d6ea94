// Package registry keeps the working set of upstream tokens in memory and
// mirrors health and usage changes back to the store. Scheduling decisions
// read from memory; the database is the durable copy reloaded on startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/store"
)

// InFlightReader exposes the admission ledger to the registry so snapshots
// carry live load without the registry owning the counters.
type InFlightReader interface {
	InFlight(tokenID int64, media models.MediaType) int
	TotalInFlight(tokenID int64) int
}

// Candidate is one token annotated with its current load for a media type.
type Candidate struct {
	Token    models.Token
	InFlight int
	Ceiling  int
}

// LoadRatio returns in-flight divided by ceiling. Unlimited tokens report
// zero so they sort ahead of any partially loaded bounded token.
func (c Candidate) LoadRatio() float64 {
	if c.Ceiling == models.UnlimitedConcurrency {
		return 0
	}
	if c.Ceiling <= 0 {
		return 1
	}
	return float64(c.InFlight) / float64(c.Ceiling)
}

// Registry is the in-memory token table.
type Registry struct {
	st       store.Store
	inflight InFlightReader
	logger   *slog.Logger

	mu     sync.RWMutex
	tokens map[int64]models.Token
}

func New(st store.Store, inflight InFlightReader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		st:       st,
		inflight: inflight,
		logger:   logger,
		tokens:   make(map[int64]models.Token),
	}
}

// Load replaces the in-memory table with the store contents.
func (r *Registry) Load(ctx context.Context) error {
	tokens, err := r.st.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}

	table := make(map[int64]models.Token, len(tokens))
	for _, tok := range tokens {
		table[tok.ID] = tok
	}

	r.mu.Lock()
	r.tokens = table
	r.mu.Unlock()

	r.logger.Info("token registry loaded", slog.Int("tokens", len(tokens)))
	return nil
}

// Refresh re-reads one token from the store, picking up external edits.
func (r *Registry) Refresh(ctx context.Context, id int64) (models.Token, error) {
	tok, err := r.st.GetToken(ctx, id)
	if err != nil {
		return models.Token{}, err
	}

	r.mu.Lock()
	r.tokens[id] = tok
	r.mu.Unlock()
	return tok, nil
}

// Get returns the in-memory copy of one token.
func (r *Registry) Get(id int64) (models.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.tokens[id]
	return tok, ok
}

// List returns all tokens, each annotated with its total in-flight count.
func (r *Registry) List() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, Candidate{
			Token:    tok,
			InFlight: r.inflight.TotalInFlight(tok.ID),
		})
	}
	return out
}

/// Eligible returns tokens that may serve a request for the given media type:
// active, unexpired and not banned at the given threshold. Slot availability
// is not checked here; the balancer's acquire is the authoritative gate.
func (r *Registry) Eligible(media models.MediaType, banThreshold int) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]Candidate, 0, len(r.tokens))
	for _, tok := range r.tokens {
		if !tok.IsActive || tok.Banned(banThreshold) {
			continue
		}
		if !tok.TokenExpiry.IsZero() && tok.TokenExpiry.Before(now) {
			continue
		}
		out = append(out, Candidate{
			Token:    tok,
			InFlight: r.inflight.InFlight(tok.ID, media),
			Ceiling:  tok.Ceiling(media),
		})
	}
	return out
}

// MarkUsed stamps the token's last use in memory and in the store. Ordering
// between concurrent markers is not significant; the stamp only feeds the
// least-recently-used tie break.
func (r *Registry) MarkUsed(ctx context.Context, id int64) {
	now := time.Now().UTC()

	r.mu.Lock()
	if tok, ok := r.tokens[id]; ok {
		tok.LastUsedAt = now
		r.tokens[id] = tok
	}
	r.mu.Unlock()

	if err := r.st.TouchTokenUsed(ctx, id, now); err != nil {
		r.logger.Warn("persist last_used_at failed", slog.Int64("token_id", id), slog.String("error", err.Error()))
	}
}

// RecordOutcome applies a generation result to the token's health and usage
// counters. Success resets the consecutive error streak and charges credits;
// failure extends the streak, banning the token once it reaches the
// threshold. The store write is best effort: a persistence error leaves the
// in-memory state authoritative and is retried implicitly by the next
// outcome or Refresh.
func (r *Registry) RecordOutcome(ctx context.Context, id int64, media models.MediaType, success bool, creditCost decimal.Decimal, banThreshold int) {
	r.mu.Lock()
	tok, ok := r.tokens[id]
	if ok {
		wasBanned := tok.Banned(banThreshold)
		if success {
			tok.ConsecutiveErrors = 0
			tok.Credits = decimal.Max(tok.Credits.Sub(creditCost), decimal.Zero)
		} else {
			tok.ConsecutiveErrors++
		}
		r.tokens[id] = tok
		if !wasBanned && tok.Banned(banThreshold) {
			r.logger.Warn("token banned after consecutive errors",
				slog.Int64("token_id", id),
				slog.Int("consecutive_errors", tok.ConsecutiveErrors),
				slog.Int("threshold", banThreshold))
		}
	}
	r.mu.Unlock()

	if err := r.st.UpdateTokenStats(ctx, id, media, success, creditCost); err != nil {
		r.logger.Warn("persist token stats failed", slog.Int64("token_id", id), slog.String("error", err.Error()))
	}
}

// ResetErrors clears a token's error streak, unbanning it.
func (r *Registry) ResetErrors(ctx context.Context, id int64) error {
	r.mu.Lock()
	tok, ok := r.tokens[id]
	if ok {
		tok.ConsecutiveErrors = 0
		r.tokens[id] = tok
	}
	active := tok.IsActive
	r.mu.Unlock()

	if !ok {
		return models.ErrTokenNotFound
	}
	return r.st.UpdateTokenHealth(ctx, id, active, 0)
}

// Create persists a new token and admits it to the working set.
func (r *Registry) Create(ctx context.Context, params store.CreateTokenParams) (models.Token, error) {
	tok, err := r.st.CreateToken(ctx, params)
	if err != nil {
		return models.Token{}, err
	}

	r.mu.Lock()
	r.tokens[tok.ID] = tok
	r.mu.Unlock()
	return tok, nil
}

// Update persists field changes and refreshes the in-memory copy.
func (r *Registry) Update(ctx context.Context, id int64, params store.UpdateTokenParams) (models.Token, error) {
	if err := r.st.UpdateToken(ctx, id, params); err != nil {
		return models.Token{}, err
	}
	return r.Refresh(ctx, id)
}

// Delete removes a token. Tokens with in-flight work are refused so running
// generations keep a valid owner until they finish.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if r.inflight.TotalInFlight(id) > 0 {
		return models.ErrTokenBusy
	}

	if err := r.st.DeleteToken(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.tokens, id)
	r.mu.Unlock()
	return nil
}
