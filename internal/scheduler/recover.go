package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StalledRunLister finds runs that should be moving but have not been
// written for a while.
type StalledRunLister interface {
	ListStalledRuns(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error)
}

// Recoverer re-continues runs whose continuation was lost: a crashed
// invocation, a dropped HTTP delivery, or a dead-lettered intent.
type Recoverer struct {
	runs      StalledRunLister
	continuer Continuer
	threshold time.Duration
	limit     int
	logger    *slog.Logger
}

// NewRecoverer creates a Recoverer. threshold should comfortably exceed
// the longest legitimate wait between two steps of a run.
func NewRecoverer(runs StalledRunLister, continuer Continuer, threshold time.Duration, logger *slog.Logger) *Recoverer {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Recoverer{runs: runs, continuer: continuer, threshold: threshold, limit: 100, logger: logger}
}

// Sweep continues every stalled run once and returns their ids.
func (r *Recoverer) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := r.runs.ListStalledRuns(ctx, r.threshold, r.limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list stalled runs: %w", err)
	}
	var continued []uuid.UUID
	for _, id := range ids {
		if err := r.continuer.Continue(ctx, id, 0); err != nil {
			r.logger.Error("scheduler: recover run failed", "run_id", id, "error", err)
			continue
		}
		continued = append(continued, id)
	}
	if len(continued) > 0 {
		r.logger.Info("scheduler: recovered stalled runs", "count", len(continued))
	}
	return continued, nil
}

// Run sweeps every interval until ctx is done.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("scheduler: recovery sweep failed", "error", err)
			}
		}
	}
}
