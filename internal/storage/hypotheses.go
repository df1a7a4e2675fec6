package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kenkyu/internal/model"
)

const hypothesisColumns = `id, seq, idx, run_id, project_id, display_title, summary, content_hash, outputs,
	processing_status, current_interaction_id, interaction_started_at, last_polled_at, next_attempt_at,
	rate_limit_hits, error_message, deleted_at, version, created_at, updated_at`

func scanHypothesis(row pgx.Row) (model.Hypothesis, error) {
	var (
		h       model.Hypothesis
		outputs []byte
	)
	err := row.Scan(
		&h.ID, &h.Seq, &h.Index, &h.RunID, &h.ProjectID, &h.DisplayTitle, &h.Summary, &h.ContentHash, &outputs,
		&h.Status, &h.CurrentInteractionID, &h.InteractionStartedAt, &h.LastPolledAt, &h.NextAttemptAt,
		&h.RateLimitHits, &h.ErrorMessage, &h.DeletedAt, &h.Version, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return model.Hypothesis{}, err
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &h.Outputs); err != nil {
			return model.Hypothesis{}, fmt.Errorf("storage: decode hypothesis outputs: %w", err)
		}
	}
	return h, nil
}

// CreateHypotheses inserts the hypotheses produced by extraction and saves
// the run in one transaction. Either both land or neither does: a stale run
// version rolls back the inserts, and the (run_id, idx) unique index turns a
// repeated insert into a no-op.
func (db *DB) CreateHypotheses(ctx context.Context, r *model.Run, hyps []model.Hypothesis) error {
	return db.withRetry(ctx, "create hypotheses", func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin create hypotheses: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for i := range hyps {
			h := &hyps[i]
			outputs, err := json.Marshal(h.Outputs)
			if err != nil {
				return fmt.Errorf("storage: marshal hypothesis outputs: %w", err)
			}
			if err := tx.QueryRow(ctx,
				`INSERT INTO hypotheses (id, idx, run_id, project_id, display_title, summary, content_hash,
				     outputs, processing_status, version, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, 0, $10, $10)
				 ON CONFLICT (run_id, idx) WHERE run_id IS NOT NULL DO UPDATE SET idx = EXCLUDED.idx
				 RETURNING id, seq`,
				h.ID, h.Index, h.RunID, h.ProjectID, h.DisplayTitle, h.Summary, h.ContentHash,
				outputs, string(h.Status), h.CreatedAt,
			).Scan(&h.ID, &h.Seq); err != nil {
				return classifyHypothesisInsert(err, r.ID, h.Index)
			}
		}

		version := r.Version
		if err := saveRun(ctx, tx, r); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			r.Version = version
			return fmt.Errorf("storage: commit create hypotheses: %w", err)
		}
		return nil
	})
}

// ListRunHypotheses returns a run's hypotheses ordered by index. Soft-deleted
// rows are included only when includeDeleted is set.
func (db *DB) ListRunHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+hypothesisColumns+` FROM hypotheses
		 WHERE run_id = $1 AND ($2 OR deleted_at IS NULL)
		 ORDER BY idx`,
		runID, includeDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run hypotheses: %w", err)
	}
	defer rows.Close()

	var out []model.Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan hypothesis: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHypothesis retrieves a hypothesis by ID, deleted or not.
func (db *DB) GetHypothesis(ctx context.Context, id uuid.UUID) (model.Hypothesis, error) {
	h, err := scanHypothesis(db.pool.QueryRow(ctx,
		`SELECT `+hypothesisColumns+` FROM hypotheses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Hypothesis{}, fmt.Errorf("storage: hypothesis %s: %w", id, ErrNotFound)
		}
		return model.Hypothesis{}, fmt.Errorf("storage: get hypothesis: %w", err)
	}
	return h, nil
}

// SaveHypothesis persists the fan-out state of one hypothesis, guarded on
// the version the caller loaded. On success h.Version is bumped.
func (db *DB) SaveHypothesis(ctx context.Context, h *model.Hypothesis) error {
	outputs, err := json.Marshal(h.Outputs)
	if err != nil {
		return fmt.Errorf("storage: marshal hypothesis outputs: %w", err)
	}
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE hypotheses SET
		     outputs = $2::jsonb, processing_status = $3, current_interaction_id = $4,
		     interaction_started_at = $5, last_polled_at = $6, next_attempt_at = $7,
		     rate_limit_hits = $8, error_message = $9, updated_at = $10, version = version + 1
		 WHERE id = $1 AND version = $11`,
		h.ID, outputs, string(h.Status), h.CurrentInteractionID,
		h.InteractionStartedAt, h.LastPolledAt, h.NextAttemptAt,
		h.RateLimitHits, h.ErrorMessage, now, h.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: save hypothesis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: save hypothesis %s at version %d: %w", h.ID, h.Version, ErrStale)
	}
	h.Version++
	h.UpdatedAt = now
	return nil
}

// SoftDeleteHypothesis marks a hypothesis deleted. Deleting twice is a no-op.
// The row is never removed.
func (db *DB) SoftDeleteHypothesis(ctx context.Context, id uuid.UUID) (model.Hypothesis, error) {
	h, err := scanHypothesis(db.pool.QueryRow(ctx,
		`UPDATE hypotheses SET deleted_at = COALESCE(deleted_at, now()), updated_at = now()
		 WHERE id = $1
		 RETURNING `+hypothesisColumns, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Hypothesis{}, fmt.Errorf("storage: hypothesis %s: %w", id, ErrNotFound)
		}
		return model.Hypothesis{}, fmt.Errorf("storage: delete hypothesis: %w", err)
	}
	return h, nil
}

// ActiveProjectHashes returns the content hashes of every non-deleted
// hypothesis in the project, excluding those owned by excludeRun.
func (db *DB) ActiveProjectHashes(ctx context.Context, projectID, excludeRun uuid.UUID) (map[string]struct{}, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM hypotheses
		 WHERE project_id = $1 AND deleted_at IS NULL AND run_id IS DISTINCT FROM $2`,
		projectID, excludeRun,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list project hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan project hash: %w", err)
		}
		hashes[h] = struct{}{}
	}
	return hashes, rows.Err()
}
