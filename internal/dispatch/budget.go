package dispatch

import (
	"context"
	"log/slog"
	"time"

	"dispatchq/internal/domain"
)

const (
	// DefaultPerRunCap bounds how much work one tick performs for a tenant,
	// so one backlogged tenant cannot starve the others.
	DefaultPerRunCap = 10

	// DefaultFailOpenBudget is the conservative budget used when the rate
	// limit config cannot be read. Blocking all delivery over a config read
	// error would be worse than briefly under-enforcing the limit.
	DefaultFailOpenBudget = 5
)

type BudgetStore interface {
	GetRateLimitConfig(ctx context.Context, tenantID string, now time.Time) (domain.RateLimitConfig, error)
	CountSentSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// Budgeter computes how many messages a tenant may dispatch right now given
// its rolling per-minute and per-hour windows.
type Budgeter struct {
	Store          BudgetStore
	PerRunCap      int
	FailOpenBudget int
}

// Available returns the dispatchable budget and the inter-message delay for
// the tenant. A disabled config yields 0. Sent-count read errors are
// infrastructure errors; config read errors fail open.
func (b *Budgeter) Available(ctx context.Context, tenantID string, now time.Time) (int, time.Duration, error) {
	perRunCap := b.PerRunCap
	if perRunCap <= 0 {
		perRunCap = DefaultPerRunCap
	}

	cfg, err := b.Store.GetRateLimitConfig(ctx, tenantID, now)
	if err != nil {
		failOpen := b.FailOpenBudget
		if failOpen <= 0 {
			failOpen = DefaultFailOpenBudget
		}
		slog.Warn("rate limit config unreadable, failing open",
			"tenant_id", tenantID,
			"budget", failOpen,
			"err", err,
		)
		return min(failOpen, perRunCap), domain.DefaultInterMessageDelay, nil
	}
	if !cfg.Enabled {
		return 0, 0, nil
	}

	sentHour, err := b.Store.CountSentSince(ctx, tenantID, now.Add(-time.Hour))
	if err != nil {
		return 0, 0, err
	}
	sentMinute, err := b.Store.CountSentSince(ctx, tenantID, now.Add(-time.Minute))
	if err != nil {
		return 0, 0, err
	}

	budget := min(cfg.MessagesPerHour-sentHour, cfg.MessagesPerMinute-sentMinute, perRunCap)
	if budget < 0 {
		budget = 0
	}
	return budget, cfg.InterMessageDelay, nil
}
