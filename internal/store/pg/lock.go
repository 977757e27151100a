package pg

import (
	"context"
	"time"
)

// Advisory lock key shared by all dispatcher instances. Ticks read aggregate
// sent counts, so two full ticks must never overlap.
const tickLockKey = int64(0x6471746b)

// AcquireTickLock takes the process-wide dispatch lock. When another instance
// holds it, acquired is false and the caller should skip the tick. The lock is
// session-scoped, so the backing connection is pinned until release is called.
func (s *Store) AcquireTickLock(ctx context.Context) (release func(), acquired bool, err error) {
	conn, err := s.DB.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, tickLockKey).Scan(&got); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// The tick's ctx may already be cancelled; unlocking still has to happen.
		unCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = conn.Exec(unCtx, `SELECT pg_advisory_unlock($1)`, tickLockKey)
		conn.Release()
	}
	return release, true, nil
}
