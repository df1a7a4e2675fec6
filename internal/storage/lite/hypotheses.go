package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

const hypothesisColumns = `id, seq, idx, run_id, project_id, display_title, summary, content_hash, outputs,
	processing_status, current_interaction_id, interaction_started_at, last_polled_at, next_attempt_at,
	rate_limit_hits, error_message, deleted_at, version, created_at, updated_at`

func scanHypothesis(row rowScanner) (model.Hypothesis, error) {
	var (
		h                                      model.Hypothesis
		outputs                                string
		startedAt, polledAt, nextAt, deletedAt sql.NullInt64
		createdAt, updatedAt                   int64
	)
	err := row.Scan(
		&h.ID, &h.Seq, &h.Index, &h.RunID, &h.ProjectID, &h.DisplayTitle, &h.Summary, &h.ContentHash, &outputs,
		&h.Status, &h.CurrentInteractionID, &startedAt, &polledAt, &nextAt,
		&h.RateLimitHits, &h.ErrorMessage, &deletedAt, &h.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.Hypothesis{}, err
	}
	h.InteractionStartedAt = fromNullNanos(startedAt)
	h.LastPolledAt = fromNullNanos(polledAt)
	h.NextAttemptAt = fromNullNanos(nextAt)
	h.DeletedAt = fromNullNanos(deletedAt)
	h.CreatedAt = fromNanos(createdAt)
	h.UpdatedAt = fromNanos(updatedAt)
	if outputs != "" {
		if err := json.Unmarshal([]byte(outputs), &h.Outputs); err != nil {
			return model.Hypothesis{}, fmt.Errorf("lite: decode hypothesis outputs: %w", err)
		}
	}
	return h, nil
}

// CreateHypotheses inserts hypotheses and saves the run in one transaction.
func (s *Store) CreateHypotheses(ctx context.Context, r *model.Run, hyps []model.Hypothesis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lite: begin create hypotheses: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range hyps {
		h := &hyps[i]
		outputs, err := json.Marshal(h.Outputs)
		if err != nil {
			return fmt.Errorf("lite: marshal hypothesis outputs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hypotheses (id, idx, run_id, project_id, display_title, summary, content_hash,
			     outputs, processing_status, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			h.ID, h.Index, h.RunID, h.ProjectID, h.DisplayTitle, h.Summary, h.ContentHash,
			string(outputs), string(h.Status), nanos(h.CreatedAt), nanos(h.CreatedAt),
		); err != nil {
			return fmt.Errorf("lite: insert hypothesis %d: %w", h.Index, err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id, seq FROM hypotheses WHERE run_id = ? AND idx = ?`, h.RunID, h.Index,
		).Scan(&h.ID, &h.Seq); err != nil {
			return fmt.Errorf("lite: read back hypothesis %d: %w", h.Index, err)
		}
	}

	version := r.Version
	if err := s.saveRun(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		r.Version = version
		return fmt.Errorf("lite: commit create hypotheses: %w", err)
	}
	return nil
}

// ListRunHypotheses returns a run's hypotheses ordered by index.
func (s *Store) ListRunHypotheses(ctx context.Context, runID uuid.UUID, includeDeleted bool) ([]model.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hypothesisColumns+` FROM hypotheses
		 WHERE run_id = ? AND (? OR deleted_at IS NULL)
		 ORDER BY idx`,
		runID, includeDeleted,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list run hypotheses: %w", err)
	}
	defer rows.Close()

	var out []model.Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, fmt.Errorf("lite: scan hypothesis: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHypothesis retrieves a hypothesis by ID, deleted or not.
func (s *Store) GetHypothesis(ctx context.Context, id uuid.UUID) (model.Hypothesis, error) {
	h, err := scanHypothesis(s.db.QueryRowContext(ctx,
		`SELECT `+hypothesisColumns+` FROM hypotheses WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Hypothesis{}, fmt.Errorf("lite: hypothesis %s: %w", id, storage.ErrNotFound)
		}
		return model.Hypothesis{}, fmt.Errorf("lite: get hypothesis: %w", err)
	}
	return h, nil
}

// SaveHypothesis persists fan-out state guarded on version.
func (s *Store) SaveHypothesis(ctx context.Context, h *model.Hypothesis) error {
	outputs, err := json.Marshal(h.Outputs)
	if err != nil {
		return fmt.Errorf("lite: marshal hypothesis outputs: %w", err)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE hypotheses SET
		     outputs = ?, processing_status = ?, current_interaction_id = ?,
		     interaction_started_at = ?, last_polled_at = ?, next_attempt_at = ?,
		     rate_limit_hits = ?, error_message = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(outputs), string(h.Status), h.CurrentInteractionID,
		nullNanos(h.InteractionStartedAt), nullNanos(h.LastPolledAt), nullNanos(h.NextAttemptAt),
		h.RateLimitHits, h.ErrorMessage, nanos(now),
		h.ID, h.Version,
	)
	if err != nil {
		return fmt.Errorf("lite: save hypothesis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lite: save hypothesis: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lite: save hypothesis %s at version %d: %w", h.ID, h.Version, storage.ErrStale)
	}
	h.Version++
	h.UpdatedAt = now
	return nil
}

// SoftDeleteHypothesis marks a hypothesis deleted without removing it.
func (s *Store) SoftDeleteHypothesis(ctx context.Context, id uuid.UUID) (model.Hypothesis, error) {
	now := nanos(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE hypotheses SET deleted_at = COALESCE(deleted_at, ?), updated_at = ? WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return model.Hypothesis{}, fmt.Errorf("lite: delete hypothesis: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.Hypothesis{}, fmt.Errorf("lite: delete hypothesis: %w", err)
	} else if n == 0 {
		return model.Hypothesis{}, fmt.Errorf("lite: hypothesis %s: %w", id, storage.ErrNotFound)
	}
	return s.GetHypothesis(ctx, id)
}

// ActiveProjectHashes returns content hashes of the project's non-deleted
// hypotheses outside excludeRun.
func (s *Store) ActiveProjectHashes(ctx context.Context, projectID, excludeRun uuid.UUID) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash FROM hypotheses
		 WHERE project_id = ? AND deleted_at IS NULL AND (run_id IS NULL OR run_id <> ?)`,
		projectID, excludeRun,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list project hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("lite: scan project hash: %w", err)
		}
		hashes[h] = struct{}{}
	}
	return hashes, rows.Err()
}
