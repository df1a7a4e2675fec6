package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/storage"
)

const runColumns = `id, project_id, previous_run_id, config, status, current_phase, current_step,
	interactions, divergent_output, result, progress, resume_count, error_message, version,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                              model.Run
		config, interactions, progress string
		divergent, result              sql.NullString
		createdAt, updatedAt           int64
		startedAt, completedAt         sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.PreviousRunID, &config, &r.Status, &r.CurrentPhase, &r.CurrentStep,
		&interactions, &divergent, &result, &progress, &r.ResumeCount, &r.ErrorMessage, &r.Version,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	r.StartedAt = fromNullNanos(startedAt)
	r.CompletedAt = fromNullNanos(completedAt)
	if err := storage.UnmarshalRunJSON(&r, []byte(config), []byte(interactions),
		textBytes(divergent), textBytes(result), []byte(progress)); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

func insertRun(ctx context.Context, q queryer, r *model.Run, ignoreDuplicate bool) error {
	config, interactions, _, _, progress, err := storage.MarshalRunJSON(r)
	if err != nil {
		return err
	}
	verb := "INSERT"
	if ignoreDuplicate {
		verb = "INSERT OR IGNORE"
	}
	_, err = q.ExecContext(ctx,
		verb+` INTO runs (id, project_id, previous_run_id, config, status, current_phase, current_step,
		     interactions, progress, resume_count, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.PreviousRunID, string(config), string(r.Status), string(r.CurrentPhase), r.CurrentStep,
		string(interactions), string(progress), r.ResumeCount, r.Version, nanos(r.CreatedAt), nanos(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("lite: create run: %w", err)
	}
	return nil
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	return insertRun(ctx, s.db, r, false)
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("lite: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("lite: get run: %w", err)
	}
	return r, nil
}

// ListProjectRuns returns a page of runs for a project, newest first.
func (s *Store) ListProjectRuns(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM runs WHERE project_id = ?`, projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("lite: count project runs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = ?
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("lite: list project runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("lite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// SaveRun has the same guard and status rules as the PostgreSQL store.
func (s *Store) SaveRun(ctx context.Context, r *model.Run) error {
	return s.saveRun(ctx, s.db, r)
}

func (s *Store) saveRun(ctx context.Context, q queryer, r *model.Run) error {
	_, interactions, divergent, result, progress, err := storage.MarshalRunJSON(r)
	if err != nil {
		return err
	}
	now := s.now()
	finishing := r.Status == model.RunStatusCompleted || r.Status == model.RunStatusError
	res, err := q.ExecContext(ctx,
		`UPDATE runs SET
		     status = CASE WHEN ? THEN ? ELSE status END,
		     completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END,
		     current_phase = ?, current_step = ?,
		     interactions = ?, divergent_output = ?, result = ?, progress = ?,
		     error_message = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status IN ('running', 'paused')`,
		finishing, string(r.Status),
		finishing, nanos(now),
		string(r.CurrentPhase), r.CurrentStep,
		string(interactions), nullText(divergent), nullText(result), string(progress),
		r.ErrorMessage, nanos(now),
		r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("lite: save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lite: save run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lite: save run %s at version %d: %w", r.ID, r.Version, storage.ErrStale)
	}

	var (
		status      model.RunStatus
		completedAt sql.NullInt64
	)
	if err := q.QueryRowContext(ctx, `SELECT status, completed_at FROM runs WHERE id = ?`, r.ID).
		Scan(&status, &completedAt); err != nil {
		return fmt.Errorf("lite: reload run status: %w", err)
	}
	r.Version++
	r.Status = status
	r.CompletedAt = fromNullNanos(completedAt)
	r.UpdatedAt = now
	return nil
}

// FinishRun saves r and inserts successor (when non-nil) atomically.
func (s *Store) FinishRun(ctx context.Context, r *model.Run, successor *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lite: begin finish run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version := r.Version
	if err := s.saveRun(ctx, tx, r); err != nil {
		return err
	}
	if successor != nil {
		if err := insertRun(ctx, tx, successor, true); err != nil {
			r.Version = version
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		r.Version = version
		return fmt.Errorf("lite: commit finish run: %w", err)
	}
	return nil
}

// TransitionRunStatus applies a guarded status change.
func (s *Store) TransitionRunStatus(ctx context.Context, id uuid.UUID, tr model.StatusTransition) (model.Run, error) {
	if len(tr.From) == 0 {
		return model.Run{}, fmt.Errorf("lite: transition run: empty from set")
	}
	now := nanos(s.now())
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tr.From)), ", ")
	args := []any{
		string(tr.To),
		tr.IncrementResume,
		tr.SetStartedAt, now,
		tr.SetCompletedAt, now,
		now,
		id,
	}
	for _, st := range tr.From {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
		     status = ?,
		     resume_count = resume_count + CASE WHEN ? THEN 1 ELSE 0 END,
		     started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
		     completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END,
		     updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("lite: transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Run{}, fmt.Errorf("lite: transition run: %w", err)
	}

	r, err := s.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	if n == 0 {
		return model.Run{}, fmt.Errorf("lite: run %s is %s, cannot become %s: %w", id, r.Status, tr.To, storage.ErrTransitionRejected)
	}
	return r, nil
}

// ListStalledRuns returns pending or running runs untouched for olderThan.
func (s *Store) ListStalledRuns(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	cutoff := nanos(s.now().Add(-olderThan))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs
		 WHERE status IN ('pending', 'running') AND updated_at < ?
		 ORDER BY updated_at LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list stalled runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("lite: scan stalled run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
