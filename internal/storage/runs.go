package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kenkyu/internal/model"
)

const runColumns = `id, project_id, previous_run_id, config, status, current_phase, current_step,
	interactions, divergent_output, result, progress, resume_count, error_message, version,
	created_at, updated_at, started_at, completed_at`

// runJSON holds the marshalled JSONB columns of a run.
type runJSON struct {
	config, interactions, divergent, result, progress []byte
}

func marshalRun(r *model.Run) (runJSON, error) {
	var (
		out runJSON
		err error
	)
	if out.config, err = json.Marshal(r.Config); err != nil {
		return out, fmt.Errorf("storage: marshal run config: %w", err)
	}
	interactions := r.Interactions
	if interactions == nil {
		interactions = []model.InteractionRecord{}
	}
	if out.interactions, err = json.Marshal(interactions); err != nil {
		return out, fmt.Errorf("storage: marshal run interactions: %w", err)
	}
	if r.DivergentOutput != nil {
		if out.divergent, err = json.Marshal(r.DivergentOutput); err != nil {
			return out, fmt.Errorf("storage: marshal divergent output: %w", err)
		}
	}
	if r.Result != nil {
		if out.result, err = json.Marshal(r.Result); err != nil {
			return out, fmt.Errorf("storage: marshal run result: %w", err)
		}
	}
	if out.progress, err = json.Marshal(r.Progress); err != nil {
		return out, fmt.Errorf("storage: marshal run progress: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r   model.Run
		raw runJSON
	)
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.PreviousRunID, &raw.config, &r.Status, &r.CurrentPhase, &r.CurrentStep,
		&raw.interactions, &raw.divergent, &raw.result, &raw.progress, &r.ResumeCount, &r.ErrorMessage, &r.Version,
		&r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	if err := UnmarshalRunJSON(&r, raw.config, raw.interactions, raw.divergent, raw.result, raw.progress); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

// UnmarshalRunJSON decodes the JSON columns of a run. Exported for the
// SQLite store, which persists the same documents as TEXT.
func UnmarshalRunJSON(r *model.Run, config, interactions, divergent, result, progress []byte) error {
	if err := json.Unmarshal(config, &r.Config); err != nil {
		return fmt.Errorf("storage: decode run config: %w", err)
	}
	if len(interactions) > 0 {
		if err := json.Unmarshal(interactions, &r.Interactions); err != nil {
			return fmt.Errorf("storage: decode run interactions: %w", err)
		}
	}
	if r.Interactions == nil {
		r.Interactions = []model.InteractionRecord{}
	}
	if len(divergent) > 0 {
		r.DivergentOutput = &model.DivergentOutput{}
		if err := json.Unmarshal(divergent, r.DivergentOutput); err != nil {
			return fmt.Errorf("storage: decode divergent output: %w", err)
		}
	}
	if len(result) > 0 {
		r.Result = &model.IntegratedResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return fmt.Errorf("storage: decode run result: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &r.Progress); err != nil {
			return fmt.Errorf("storage: decode run progress: %w", err)
		}
	}
	return nil
}

// MarshalRunJSON exposes marshalRun to the SQLite store.
func MarshalRunJSON(r *model.Run) (config, interactions, divergent, result, progress []byte, err error) {
	raw, err := marshalRun(r)
	return raw.config, raw.interactions, raw.divergent, raw.result, raw.progress, err
}

// CreateRun inserts a new run.
func (db *DB) CreateRun(ctx context.Context, r *model.Run) error {
	return insertRun(ctx, db.pool, r)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRun(ctx context.Context, q querier, r *model.Run) error {
	raw, err := marshalRun(r)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO runs (id, project_id, previous_run_id, config, status, current_phase, current_step,
		     interactions, progress, resume_count, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12, $13)`,
		r.ID, r.ProjectID, r.PreviousRunID, raw.config, string(r.Status), string(r.CurrentPhase), r.CurrentStep,
		raw.interactions, raw.progress, r.ResumeCount, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListProjectRuns returns a page of runs for a project, newest first, and
// the total count.
func (db *DB) ListProjectRuns(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE project_id = $1`, projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count project runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = $1
		 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list project runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// SaveRun persists the executor-owned fields of a run. The write is guarded
// on the version the caller loaded and on the run still being running or
// paused, so a concurrent save or a stop that landed first makes it fail
// with ErrStale. Status is only overwritten when the executor finishes the
// run (completed or error); otherwise the stored status wins, which keeps a
// pause that arrived mid-step intact. On success r.Version, r.Status and
// r.UpdatedAt reflect the stored row.
func (db *DB) SaveRun(ctx context.Context, r *model.Run) error {
	return saveRun(ctx, db.pool, r)
}

func saveRun(ctx context.Context, q querier, r *model.Run) error {
	raw, err := marshalRun(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var (
		status      model.RunStatus
		completedAt *time.Time
	)
	err = q.QueryRow(ctx,
		`UPDATE runs SET
		     status = CASE WHEN $2::text IN ('completed', 'error') THEN $2::text ELSE status END,
		     completed_at = CASE WHEN $2::text IN ('completed', 'error') THEN COALESCE(completed_at, $10) ELSE completed_at END,
		     current_phase = $3, current_step = $4,
		     interactions = $5::jsonb, divergent_output = $6::jsonb, result = $7::jsonb, progress = $8::jsonb,
		     error_message = $9, updated_at = $10, version = version + 1
		 WHERE id = $1 AND version = $11 AND status IN ('running', 'paused')
		 RETURNING status, completed_at`,
		r.ID, string(r.Status), string(r.CurrentPhase), r.CurrentStep,
		raw.interactions, raw.divergent, raw.result, raw.progress,
		r.ErrorMessage, now, r.Version,
	).Scan(&status, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: save run %s at version %d: %w", r.ID, r.Version, ErrStale)
		}
		return fmt.Errorf("storage: save run: %w", err)
	}
	r.Version++
	r.Status = status
	r.CompletedAt = completedAt
	r.UpdatedAt = now
	return nil
}

// FinishRun saves a run and, when successor is non-nil, inserts the next
// loop's run in the same transaction. The unique index on previous_run_id
// makes successor creation happen at most once.
func (db *DB) FinishRun(ctx context.Context, r *model.Run, successor *model.Run) error {
	return db.withRetry(ctx, "finish run", func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin finish run: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		version := r.Version
		if err := saveRun(ctx, tx, r); err != nil {
			return err
		}
		if successor != nil {
			if err := insertSuccessor(ctx, tx, successor); err != nil {
				r.Version = version
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			r.Version = version
			return fmt.Errorf("storage: commit finish run: %w", err)
		}
		return nil
	})
}

func insertSuccessor(ctx context.Context, tx pgx.Tx, s *model.Run) error {
	raw, err := marshalRun(s)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, project_id, previous_run_id, config, status, current_phase, current_step,
		     interactions, progress, resume_count, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8::jsonb, $9::jsonb, 0, 0, $10, $10)
		 ON CONFLICT (previous_run_id) WHERE previous_run_id IS NOT NULL DO NOTHING`,
		s.ID, s.ProjectID, s.PreviousRunID, raw.config, string(s.Status), string(s.CurrentPhase), s.CurrentStep,
		raw.interactions, raw.progress, s.CreatedAt,
	)
	if err != nil {
		return classifySuccessorInsert(err, s.ID)
	}
	return nil
}

// TransitionRunStatus applies a guarded status change. It returns
// ErrNotFound when the run does not exist and ErrTransitionRejected when the
// run is not in one of tr.From. The executor's version is not bumped:
// control actions never conflict with executor saves on data columns.
func (db *DB) TransitionRunStatus(ctx context.Context, id uuid.UUID, tr model.StatusTransition) (model.Run, error) {
	from := make([]string, len(tr.From))
	for i, s := range tr.From {
		from[i] = string(s)
	}
	r, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET
		     status = $2,
		     resume_count = resume_count + CASE WHEN $3 THEN 1 ELSE 0 END,
		     started_at = CASE WHEN $4 THEN COALESCE(started_at, now()) ELSE started_at END,
		     completed_at = CASE WHEN $5 THEN COALESCE(completed_at, now()) ELSE completed_at END,
		     updated_at = now()
		 WHERE id = $1 AND status = ANY($6)
		 RETURNING `+runColumns,
		id, string(tr.To), tr.IncrementResume, tr.SetStartedAt, tr.SetCompletedAt, from,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("storage: transition run: %w", err)
	}

	var current model.RunStatus
	if err := db.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: transition run: %w", err)
	}
	return model.Run{}, fmt.Errorf("storage: run %s is %s, cannot become %s: %w", id, current, tr.To, ErrTransitionRejected)
}

// ListStalledRuns returns runs that are pending or running but have not been
// written for longer than olderThan. These are runs whose continuation was
// lost.
func (db *DB) ListStalledRuns(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM runs
		 WHERE status IN ('pending', 'running')
		   AND updated_at < now() - ($1 * interval '1 microsecond')
		 ORDER BY updated_at
		 LIMIT $2`,
		olderThan.Microseconds(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stalled runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan stalled run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
