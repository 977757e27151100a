package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatchq/internal/domain"
	"dispatchq/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store, good enough for
// exercising selection, claiming, and budget math without a database.
type memStore struct {
	mu       sync.Mutex
	entries  map[string]*domain.QueueEntry
	cfgs     map[string]domain.RateLimitConfig
	cfgErr   error
	lockBusy bool
}

func newMemStore() *memStore {
	return &memStore{
		entries: map[string]*domain.QueueEntry{},
		cfgs:    map[string]domain.RateLimitConfig{},
	}
}

func (m *memStore) add(e domain.QueueEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	if cp.Status == "" {
		cp.Status = domain.StatusPending
	}
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = domain.DefaultMaxAttempts
	}
	m.entries[cp.ID] = &cp
}

func (m *memStore) get(id string) domain.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entries[id]
}

func (m *memStore) countByStatus(tenantID string, st domain.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.Status == st {
			n++
		}
	}
	return n
}

func (m *memStore) GetRateLimitConfig(_ context.Context, tenantID string, _ time.Time) (domain.RateLimitConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfgErr != nil {
		return domain.RateLimitConfig{}, m.cfgErr
	}
	cfg, ok := m.cfgs[tenantID]
	if !ok {
		cfg = domain.RateLimitConfig{
			TenantID:          tenantID,
			MessagesPerMinute: domain.DefaultMessagesPerMinute,
			MessagesPerHour:   domain.DefaultMessagesPerHour,
			Enabled:           true,
		}
	}
	return cfg, nil
}

func (m *memStore) CountSentSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.Status == domain.StatusSent && e.SentAt != nil && !e.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AcquireTickLock(_ context.Context) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockBusy {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func (m *memStore) ReleaseStuckProcessing(_ context.Context, stuckBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Status == domain.StatusProcessing && e.UpdatedAt.Before(stuckBefore) {
			e.Attempts++
			if e.Attempts >= e.MaxAttempts {
				e.Status = domain.StatusFailed
			} else {
				e.Status = domain.StatusPending
			}
			e.LastError = "processing timeout"
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) TenantsWithDueWork(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, e := range m.entries {
		if m.due(e, now) {
			seen[e.TenantID] = true
		}
	}
	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (m *memStore) due(e *domain.QueueEntry, now time.Time) bool {
	return e.Status == domain.StatusPending &&
		(e.ScheduledAt == nil || !e.ScheduledAt.After(now)) &&
		e.Attempts < e.MaxAttempts
}

func (m *memStore) ClaimDueEntries(_ context.Context, tenantID string, limit int, now time.Time) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*domain.QueueEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID && m.due(e, now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.QueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = domain.StatusProcessing
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (m *memStore) FinishAttempt(_ context.Context, in store.AttemptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[in.ID]
	if !ok || e.Status != domain.StatusProcessing {
		return nil
	}
	e.Status = domain.Status(in.Status)
	e.Attempts++
	if in.ProviderMsgID != "" {
		e.ProviderMsgID = in.ProviderMsgID
	}
	e.LastError = in.LastError
	if e.Status == domain.StatusSent {
		t := in.Now
		e.SentAt = &t
	}
	e.UpdatedAt = in.Now
	return nil
}

func (m *memStore) ReleaseClaim(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != domain.StatusProcessing {
		return nil
	}
	e.Status = domain.StatusPending
	e.UpdatedAt = now
	return nil
}
