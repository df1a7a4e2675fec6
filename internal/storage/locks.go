package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// runLockKey derives the advisory lock key for a run from the first eight
// bytes of its UUID.
func runLockKey(runID uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(runID[:8])) //nolint:gosec // wraparound is fine for a lock key
}

// TryLockRun takes a session-level advisory lock for runID without waiting.
// The lock lives on a connection held out of the pool until release is
// called. When the lock is held elsewhere ok is false and release is nil.
func (db *DB) TryLockRun(ctx context.Context, runID uuid.UUID) (release func(), ok bool, err error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage: acquire lock connection: %w", err)
	}
	key := runLockKey(runID)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("storage: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		// Unlock on a fresh context: the caller's may already be done.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			db.logger.Warn("storage: advisory unlock failed, dropping connection", "run_id", runID, "error", err)
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
		}
		conn.Release()
	}, true, nil
}
