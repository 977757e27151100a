package service

import (
	"context"
	"time"

	"dispatchq/internal/domain"
	"dispatchq/internal/observability"
	"dispatchq/internal/phone"
	"dispatchq/internal/store"
)

type Store interface {
	FindDuplicateToday(ctx context.Context, tenantID, subjectID, templateID string, dayStart, dayEnd time.Time) (store.DuplicateResult, error)
	InsertEntry(ctx context.Context, in store.EntryInsert) error
	UpdatePendingEntry(ctx context.Context, in store.PendingUpdate) (bool, error)
	GetEntry(ctx context.Context, id string) (domain.QueueEntry, bool, error)
}

// Enqueuer validates and normalizes notification requests into persisted
// queue entries. No network I/O happens here: once a row is accepted, all
// delivery failure is asynchronous and visible only via entry state.
type Enqueuer struct {
	Store       Store
	IDGen       func() string
	Now         func() time.Time
	MaxAttempts int
}

// Enqueue persists the request, honoring same-day dedup. A pending duplicate
// is updated in place (content or schedule may have changed); a duplicate
// already processing or sent absorbs the request. Returns the entry id that
// now represents the notification.
func (e *Enqueuer) Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req.Recipient = phone.Normalize(req.Recipient)
	now := e.Now()

	// Dedup needs both key parts; a request without them always enqueues.
	if req.TemplateID != "" && req.SubjectID != "" {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		dup, err := e.Store.FindDuplicateToday(ctx, req.TenantID, req.SubjectID, req.TemplateID, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			observability.Enqueues.WithLabelValues("error").Inc()
			return "", err
		}
		if dup.Found {
			if dup.Status == string(domain.StatusPending) {
				updated, err := e.Store.UpdatePendingEntry(ctx, store.PendingUpdate{
					ID:          dup.EntryID,
					Body:        req.Body,
					ScheduledAt: req.ScheduledAt,
					Now:         now,
				})
				if err != nil {
					observability.Enqueues.WithLabelValues("error").Inc()
					return "", err
				}
				if updated {
					observability.Enqueues.WithLabelValues("updated").Inc()
					return dup.EntryID, nil
				}
				// Entry got claimed between lookup and update: it is being
				// honored right now, so absorb.
			}
			observability.Enqueues.WithLabelValues("absorbed").Inc()
			return dup.EntryID, nil
		}
	}

	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	id := e.IDGen()
	err := e.Store.InsertEntry(ctx, store.EntryInsert{
		ID:          id,
		TenantID:    req.TenantID,
		Recipient:   req.Recipient,
		Body:        req.Body,
		TemplateID:  req.TemplateID,
		SubjectID:   req.SubjectID,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		MaxAttempts: maxAttempts,
		Now:         now,
	})
	if err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return "", err
	}
	observability.Enqueues.WithLabelValues("created").Inc()
	return id, nil
}

func (e *Enqueuer) GetEntry(ctx context.Context, id string) (domain.QueueEntry, bool, error) {
	return e.Store.GetEntry(ctx, id)
}
