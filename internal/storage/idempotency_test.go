package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	actor := "idem-actor-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/runs"
	key := "idem-" + uuid.NewString()

	lookup, err := testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, actor, endpoint, key, 201, map[string]any{"run_id": "r1"})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_StaleInProgressBlocksRetry(t *testing.T) {
	ctx := context.Background()
	actor := "idem-actor-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/runs"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-a")
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '20 minutes'
		 WHERE actor = $1 AND endpoint = $2 AND idempotency_key = $3`,
		actor, endpoint, key,
	)
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress, "stale in-progress keys must not be taken over")

	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, actor, endpoint, key))
	lookup, err := testDB.BeginIdempotency(ctx, actor, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_Cleanup(t *testing.T) {
	ctx := context.Background()
	actor := "idem-actor-" + uuid.NewString()[:8]

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO idempotency_keys (actor, endpoint, idempotency_key, request_hash, status, status_code, response_data, created_at, updated_at)
		 VALUES
		 ($1, 'POST:/v1/runs', 'old-completed', 'h1', 'completed', 201, '{"ok":true}', now() - interval '10 days', now() - interval '10 days'),
		 ($1, 'POST:/v1/runs', 'old-in-progress', 'h2', 'in_progress', NULL, NULL, now() - interval '3 days', now() - interval '3 days')`,
		actor,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var remaining int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM idempotency_keys
		 WHERE actor = $1 AND idempotency_key IN ('old-completed', 'old-in-progress')`,
		actor,
	).Scan(&remaining)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
