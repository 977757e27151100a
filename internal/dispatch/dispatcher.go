package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dispatchq/internal/domain"
	"dispatchq/internal/observability"
	"dispatchq/internal/provider"
	"dispatchq/internal/store"
)

const (
	DefaultStuckTimeout = 5 * time.Minute
	sendTimeout         = 6 * time.Second
	releaseTimeout      = 5 * time.Second
)

type Store interface {
	BudgetStore
	AcquireTickLock(ctx context.Context) (release func(), acquired bool, err error)
	ReleaseStuckProcessing(ctx context.Context, stuckBefore, now time.Time) (int, error)
	TenantsWithDueWork(ctx context.Context, now time.Time) ([]string, error)
	ClaimDueEntries(ctx context.Context, tenantID string, limit int, now time.Time) ([]domain.QueueEntry, error)
	FinishAttempt(ctx context.Context, in store.AttemptResult) error
	ReleaseClaim(ctx context.Context, id string, now time.Time) error
}

// Dispatcher drains the queue one tick at a time: per tenant it computes the
// rate budget, claims that many due entries, and hands them to the delivery
// provider, serialized by the tenant's inter-message delay.
type Dispatcher struct {
	Store        Store
	Budget       *Budgeter
	Sender       provider.Sender
	Breaker      *gobreaker.CircuitBreaker
	StuckTimeout time.Duration
	Now          func() time.Time
}

type TickStats struct {
	Tenants   int
	Claimed   int
	Sent      int
	Requeued  int
	Failed    int
	Released  int // claims given back without a delivery attempt
	Recovered int // stale processing entries reverted by the watchdog
}

// errBreakerOpen aborts the remainder of a tick when the provider breaker
// trips. It never surfaces to the caller: breaker protection is transient and
// the released entries are picked up by the next tick.
var errBreakerOpen = errors.New("provider circuit breaker open")

// RunTick performs one dispatch pass. tenantID scopes the tick to a single
// tenant; empty means every tenant with due work. Per-entry delivery failures
// are data, recorded on the entries; only infrastructure trouble is returned
// as an error.
func (d *Dispatcher) RunTick(ctx context.Context, tenantID string) (TickStats, error) {
	var stats TickStats
	start := time.Now()
	defer func() { observability.TickDuration.Observe(time.Since(start).Seconds()) }()

	release, acquired, err := d.Store.AcquireTickLock(ctx)
	if err != nil {
		return stats, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !acquired {
		slog.Info("dispatch tick lock held elsewhere, skipping")
		return stats, nil
	}
	defer release()

	now := d.now()

	stuck := d.StuckTimeout
	if stuck <= 0 {
		stuck = DefaultStuckTimeout
	}
	recovered, err := d.Store.ReleaseStuckProcessing(ctx, now.Add(-stuck), now)
	if err != nil {
		return stats, fmt.Errorf("release stuck entries: %w", err)
	}
	if recovered > 0 {
		observability.StuckReleased.Add(float64(recovered))
		slog.Warn("recovered entries stuck in processing", "count", recovered)
		stats.Recovered = recovered
	}

	var tenants []string
	if tenantID != "" {
		tenants = []string{tenantID}
	} else {
		tenants, err = d.Store.TenantsWithDueWork(ctx, now)
		if err != nil {
			return stats, fmt.Errorf("list tenants with due work: %w", err)
		}
	}
	stats.Tenants = len(tenants)

	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		err := d.dispatchTenant(ctx, tenant, now, &stats)
		if errors.Is(err, errBreakerOpen) {
			slog.Warn("provider breaker open, ending tick early", "tenant_id", tenant)
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (d *Dispatcher) dispatchTenant(ctx context.Context, tenantID string, now time.Time, stats *TickStats) error {
	budget, delay, err := d.Budget.Available(ctx, tenantID, now)
	if err != nil {
		return fmt.Errorf("rate budget for tenant %s: %w", tenantID, err)
	}
	if budget <= 0 {
		observability.BudgetExhausted.WithLabelValues(tenantID).Inc()
		return nil
	}

	entries, err := d.Store.ClaimDueEntries(ctx, tenantID, budget, now)
	if err != nil {
		return fmt.Errorf("claim entries for tenant %s: %w", tenantID, err)
	}
	stats.Claimed += len(entries)

	// Throttles provider-side burst even within the allowed budget. The first
	// token is free; every following send waits out the configured delay.
	var limiter *rate.Limiter
	if delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	for i, entry := range entries {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				d.releaseClaims(entries[i:], stats)
				return err
			}
		} else if err := ctx.Err(); err != nil {
			d.releaseClaims(entries[i:], stats)
			return err
		}

		providerMsgID, sendErr := d.send(ctx, entry)
		if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
			// Not a delivery verdict: give the claims back untouched.
			d.releaseClaims(entries[i:], stats)
			return errBreakerOpen
		}

		if err := d.finishAttempt(ctx, entry, providerMsgID, sendErr, stats); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) finishAttempt(ctx context.Context, entry domain.QueueEntry, providerMsgID string, sendErr error, stats *TickStats) error {
	next := NextStatus(entry.Attempts, entry.MaxAttempts, sendErr)

	var lastError string
	if sendErr != nil {
		lastError = sendErr.Error()
	}
	if err := d.Store.FinishAttempt(ctx, store.AttemptResult{
		ID:            entry.ID,
		Status:        string(next),
		ProviderMsgID: providerMsgID,
		LastError:     lastError,
		Now:           d.now(),
	}); err != nil {
		return fmt.Errorf("record attempt for entry %s: %w", entry.ID, err)
	}

	switch next {
	case domain.StatusSent:
		observability.Dispatches.WithLabelValues("sent").Inc()
		stats.Sent++
		slog.Info("entry delivered",
			"entry_id", entry.ID,
			"tenant_id", entry.TenantID,
			"provider_msg_id", providerMsgID,
		)
	case domain.StatusFailed:
		observability.Dispatches.WithLabelValues("failed").Inc()
		stats.Failed++
		slog.Error("entry failed terminally",
			"entry_id", entry.ID,
			"tenant_id", entry.TenantID,
			"attempts", entry.Attempts+1,
			"err", sendErr,
		)
	default:
		observability.Dispatches.WithLabelValues("requeued").Inc()
		stats.Requeued++
		slog.Warn("entry requeued after delivery failure",
			"entry_id", entry.ID,
			"tenant_id", entry.TenantID,
			"attempts", entry.Attempts+1,
			"retryable", provider.Retryable(sendErr),
			"err", sendErr,
		)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, entry domain.QueueEntry) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		start := time.Now()
		id, err := d.Sender.Send(reqCtx, entry.TenantID, entry.Recipient, entry.Body)
		observability.ProviderLatency.Observe(time.Since(start).Seconds())

		if err != nil {
			httpStatus := "0"
			var ce provider.CallError
			if errors.As(err, &ce) {
				httpStatus = strconv.Itoa(ce.HTTPStatus)
			}
			observability.ProviderSend.WithLabelValues("error", httpStatus).Inc()
			return nil, err
		}
		observability.ProviderSend.WithLabelValues("ok", "2xx").Inc()
		return id, nil
	}

	var res any
	var err error
	if d.Breaker != nil {
		res, err = d.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// releaseClaims returns unattempted entries to pending. The tick's ctx may
// already be cancelled, so a fresh deadline is used.
func (d *Dispatcher) releaseClaims(entries []domain.QueueEntry, stats *TickStats) {
	rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	now := d.now()
	for _, e := range entries {
		if err := d.Store.ReleaseClaim(rctx, e.ID, now); err != nil {
			slog.Error("release claim failed", "entry_id", e.ID, "err", err)
			continue
		}
		observability.Dispatches.WithLabelValues("released").Inc()
		stats.Released++
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}
