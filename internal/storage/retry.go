package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Transactional run writes retry this many times, starting at this delay.
const (
	saveRetries   = 3
	saveRetryBase = 20 * time.Millisecond
)

// Unique indexes whose violation means another writer already stored the row.
const (
	hypothesisIndexConstraint = "idx_hypotheses_run_idx"
	hypothesisKeyConstraint   = "hypotheses_pkey"
	successorConstraint       = "idx_runs_previous"
	runKeyConstraint          = "runs_pkey"
)

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil, false
	}
	return pgErr, true
}

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	pgErr, ok := pgError(err)
	if !ok {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// uniqueViolation reports whether err is a unique_violation on one of the
// named constraints.
func uniqueViolation(err error, constraints ...string) bool {
	pgErr, ok := pgError(err)
	if !ok || pgErr.Code != "23505" {
		return false
	}
	for _, c := range constraints {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}

// classifyHypothesisInsert maps a duplicate (run_id, idx) or id to ErrStale:
// a concurrent extraction of the same run got there first.
func classifyHypothesisInsert(err error, runID uuid.UUID, idx int) error {
	if uniqueViolation(err, hypothesisIndexConstraint, hypothesisKeyConstraint) {
		return fmt.Errorf("storage: hypothesis %d of run %s already stored: %w", idx, runID, ErrStale)
	}
	return fmt.Errorf("storage: insert hypothesis %d: %w", idx, err)
}

// classifySuccessorInsert maps a duplicate successor to ErrStale.
func classifySuccessorInsert(err error, successorID uuid.UUID) error {
	if uniqueViolation(err, successorConstraint, runKeyConstraint) {
		return fmt.Errorf("storage: successor run %s already created: %w", successorID, ErrStale)
	}
	return fmt.Errorf("storage: create successor run: %w", err)
}

// withRetry runs the transaction fn, retrying serialization failures and
// deadlocks with jittered exponential backoff. Every other error, including
// the classified unique violations above, is returned at once.
func (db *DB) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := saveRetryBase
	var err error
	for attempt := range saveRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == saveRetries {
			break
		}
		db.logger.Debug("storage: retrying transaction", "op", op, "attempt", attempt+1, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return fmt.Errorf("storage: %s: gave up after %d attempts: %w", op, saveRetries+1, err)
}
