package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchq/internal/domain"
	"dispatchq/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) InsertEntry(ctx context.Context, in store.EntryInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO queue_entries (id, tenant_id, recipient, body, template_id, subject_id, priority, scheduled_at, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',0,$9,$10,$10)
	`, in.ID, in.TenantID, in.Recipient, in.Body, nullIfEmpty(in.TemplateID), nullIfEmpty(in.SubjectID), in.Priority, in.ScheduledAt, in.MaxAttempts, in.Now)
	return err
}

// FindDuplicateToday looks for an entry with the same dedup key created within
// [dayStart, dayEnd) that has not terminally failed.
func (s *Store) FindDuplicateToday(ctx context.Context, tenantID, subjectID, templateID string, dayStart, dayEnd time.Time) (store.DuplicateResult, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, status FROM queue_entries
		WHERE tenant_id=$1 AND subject_id=$2 AND template_id=$3
		  AND created_at >= $4 AND created_at < $5
		  AND status IN ('pending','processing','sent')
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, subjectID, templateID, dayStart, dayEnd)

	var out store.DuplicateResult
	err := row.Scan(&out.EntryID, &out.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.DuplicateResult{Found: false}, nil
		}
		return store.DuplicateResult{}, err
	}
	out.Found = true
	return out, nil
}

// UpdatePendingEntry refreshes body and schedule of a still-pending duplicate.
// Reports false when the entry was claimed or finished in the meantime.
func (s *Store) UpdatePendingEntry(ctx context.Context, in store.PendingUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queue_entries SET body=$2, scheduled_at=$3, updated_at=$4
		WHERE id=$1 AND status='pending'
	`, in.ID, in.Body, in.ScheduledAt, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (domain.QueueEntry, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, recipient, body, COALESCE(template_id,''), COALESCE(subject_id,''),
		       priority, scheduled_at, status, attempts, max_attempts,
		       COALESCE(provider_msg_id,''), COALESCE(last_error,''),
		       created_at, updated_at, sent_at
		FROM queue_entries WHERE id=$1
	`, id)

	var e domain.QueueEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.Recipient, &e.Body, &e.TemplateID, &e.SubjectID,
		&e.Priority, &e.ScheduledAt, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.ProviderMsgID, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.SentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.QueueEntry{}, false, nil
		}
		return domain.QueueEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) TenantsWithDueWork(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT tenant_id FROM queue_entries
		WHERE status='pending' AND (scheduled_at IS NULL OR scheduled_at <= $1) AND attempts < max_attempts
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// ClaimDueEntries atomically moves up to limit due pending entries of a tenant
// into processing and returns them in dispatch order. SKIP LOCKED keeps
// concurrent dispatcher instances from claiming the same entry twice.
func (s *Store) ClaimDueEntries(ctx context.Context, tenantID string, limit int, now time.Time) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, tenant_id, recipient, body, COALESCE(template_id,''), COALESCE(subject_id,''),
		       priority, attempts, max_attempts, created_at
		FROM queue_entries
		WHERE tenant_id=$1 AND status='pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= $2)
		  AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, tenantID, now, limit)
	if err != nil {
		return nil, err
	}

	var entries []domain.QueueEntry
	ids := make([]string, 0, limit)
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Recipient, &e.Body, &e.TemplateID, &e.SubjectID,
			&e.Priority, &e.Attempts, &e.MaxAttempts, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		e.Status = domain.StatusProcessing
		entries = append(entries, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE queue_entries SET status='processing', updated_at=$2 WHERE id = ANY($1)
	`, ids, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

// FinishAttempt applies the outcome of one delivery attempt. The attempts
// counter is incremented in SQL, guarded on the processing state the claim
// established.
func (s *Store) FinishAttempt(ctx context.Context, in store.AttemptResult) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE queue_entries
		SET status=$2,
		    attempts=attempts+1,
		    provider_msg_id=COALESCE($3, provider_msg_id),
		    last_error=$4,
		    sent_at=CASE WHEN $2='sent' THEN $5 ELSE sent_at END,
		    updated_at=$5
		WHERE id=$1 AND status='processing'
	`, in.ID, in.Status, nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.LastError), in.Now)
	return err
}

// ReleaseClaim puts a claimed entry back to pending without consuming an
// attempt. Used when a tick ends before the entry was handed to the provider.
func (s *Store) ReleaseClaim(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE queue_entries SET status='pending', updated_at=$2
		WHERE id=$1 AND status='processing'
	`, id, now)
	return err
}

// ReleaseStuckProcessing recovers entries left in processing by a crashed
// dispatcher. The interrupted attempt counts; entries that exhausted their
// attempts go terminal.
func (s *Store) ReleaseStuckProcessing(ctx context.Context, stuckBefore, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queue_entries
		SET status=CASE WHEN attempts+1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    attempts=attempts+1,
		    last_error='processing timeout',
		    updated_at=$2
		WHERE status='processing' AND updated_at < $1
	`, stuckBefore, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) CountSentSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE tenant_id=$1 AND status='sent' AND sent_at >= $2
	`, tenantID, since)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
