// Package health watches the token pool and retires credentials that can no
// longer serve: expired tokens are deactivated, newly banned ones are logged
// so operators notice before capacity drains.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/stamns/flow2api/internal/registry"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/store"
)

const defaultSweepInterval = time.Minute

// Monitor periodically sweeps the token registry.
type Monitor struct {
	registry *registry.Registry
	settings *settings.Manager
	logger   *slog.Logger
	interval time.Duration
}

func NewMonitor(reg *registry.Registry, mgr *settings.Manager, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: reg,
		settings: mgr,
		logger:   logger,
		interval: interval,
	}
}

// Run sweeps until ctx is canceled. The first sweep happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep deactivates expired tokens and reports banned ones.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	threshold := m.settings.Current().ErrorBanThreshold

	for _, cand := range m.registry.List() {
		tok := cand.Token
		if tok.IsActive && !tok.TokenExpiry.IsZero() && tok.TokenExpiry.Before(now) {
			inactive := false
			if _, err := m.registry.Update(ctx, tok.ID, store.UpdateTokenParams{IsActive: &inactive}); err != nil {
				m.logger.Error("deactivate expired token failed",
					slog.Int64("token_id", tok.ID),
					slog.String("error", err.Error()))
				continue
			}
			m.logger.Warn("token expired, deactivated",
				slog.Int64("token_id", tok.ID),
				slog.Time("token_expiry", tok.TokenExpiry))
			continue
		}
		if tok.IsActive && tok.Banned(threshold) {
			m.logger.Warn("token banned by consecutive errors",
				slog.Int64("token_id", tok.ID),
				slog.Int("consecutive_errors", tok.ConsecutiveErrors),
				slog.Int("threshold", threshold))
		}
	}
}
