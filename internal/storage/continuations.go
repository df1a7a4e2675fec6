package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Continuation is a durable intent to invoke the scheduler for a run. At
// most one row exists per run; re-enqueueing bumps Seq so a delivery that
// raced with a newer intent leaves the newer one in place.
type Continuation struct {
	ID       int64
	RunID    uuid.UUID
	Seq      int64
	Attempts int
}

// EnqueueContinuation records that runID should be processed no earlier
// than notBefore. An existing intent keeps the earlier of the two times.
func (db *DB) EnqueueContinuation(ctx context.Context, runID uuid.UUID, notBefore time.Time) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_continuations (run_id, not_before)
		 VALUES ($1, $2)
		 ON CONFLICT (run_id) DO UPDATE SET
		     seq = run_continuations.seq + 1,
		     not_before = LEAST(run_continuations.not_before, EXCLUDED.not_before),
		     attempts = 0,
		     last_error = NULL`,
		runID, notBefore,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue continuation: %w", err)
	}
	return nil
}

// ClaimContinuations selects due intents, locks them for lockFor and
// returns them. Rows locked by another worker are skipped.
func (db *DB) ClaimContinuations(ctx context.Context, limit, maxAttempts int, lockFor time.Duration) ([]Continuation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim continuations: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, run_id, seq, attempts
		 FROM run_continuations
		 WHERE not_before <= now()
		   AND (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY not_before ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select continuations: %w", err)
	}
	var entries []Continuation
	for rows.Next() {
		var c Continuation
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &c.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan continuation: %w", err)
		}
		entries = append(entries, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read continuations: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(entries))
	for i, c := range entries {
		ids[i] = c.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE run_continuations SET locked_until = now() + ($1 * interval '1 microsecond') WHERE id = ANY($2)`,
		lockFor.Microseconds(), ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock continuations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim continuations: %w", err)
	}
	return entries, nil
}

// CompleteContinuation removes a delivered intent. When the intent was
// re-enqueued during delivery the row survives and is unlocked instead.
func (db *DB) CompleteContinuation(ctx context.Context, c Continuation) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM run_continuations WHERE id = $1 AND seq = $2`, c.ID, c.Seq)
	if err != nil {
		return fmt.Errorf("storage: complete continuation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE run_continuations SET locked_until = NULL WHERE id = $1`, c.ID); err != nil {
		return fmt.Errorf("storage: unlock continuation: %w", err)
	}
	return nil
}

// FailContinuation records a failed delivery and schedules a retry with
// exponential backoff (2^attempts seconds, capped at 5 minutes).
func (db *DB) FailContinuation(ctx context.Context, c Continuation, errMsg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE run_continuations
		 SET attempts = CASE WHEN seq = $3 THEN attempts + 1 ELSE attempts END,
		     last_error = $2,
		     locked_until = NULL,
		     not_before = CASE WHEN seq = $3
		         THEN now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		         ELSE not_before END
		 WHERE id = $1`,
		c.ID, errMsg, c.Seq,
	)
	if err != nil {
		return fmt.Errorf("storage: fail continuation: %w", err)
	}
	return nil
}

// CleanupDeadContinuations removes intents that exhausted their attempts
// more than olderThan ago.
func (db *DB) CleanupDeadContinuations(ctx context.Context, maxAttempts int, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM run_continuations
		 WHERE attempts >= $1 AND created_at < now() - ($2 * interval '1 microsecond')`,
		maxAttempts, olderThan.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup continuations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ContinuationDepth counts intents still eligible for delivery.
func (db *DB) ContinuationDepth(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM run_continuations WHERE attempts < $1`, maxAttempts,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count continuations: %w", err)
	}
	return n, nil
}
