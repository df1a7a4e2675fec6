package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/ashita-ai/kenkyu/internal/integrity"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/runerr"
)

// aggregate builds the integrated result from every completed hypothesis
// and finishes the run. On success, and when loops remain, the successor
// run is inserted in the same write.
func (e *Executor) aggregate(ctx context.Context, r *model.Run) (StepResult, error) {
	const phase = model.PhaseAggregate

	hyps, err := e.store.ListRunHypotheses(ctx, r.ID, false)
	if err != nil {
		return StepResult{}, fmt.Errorf("pipeline: list hypotheses: %w", err)
	}
	slices.SortFunc(hyps, func(a, b model.Hypothesis) int { return a.Index - b.Index })

	now := e.now()
	result := &model.IntegratedResult{Entries: []model.ResultEntry{}, GeneratedAt: now}
	var leaves []string
	for _, h := range hyps {
		switch h.Status {
		case model.HypothesisCompleted:
			entry := model.ResultEntry{
				HypothesisID: h.ID,
				Index:        h.Index,
				Title:        h.DisplayTitle,
				Summary:      h.Summary,
				ContentHash:  h.ContentHash,
				PhaseB:       deref(h.Outputs.PhaseB),
				PhaseC:       deref(h.Outputs.PhaseC),
				PhaseD:       deref(h.Outputs.PhaseD),
			}
			result.Entries = append(result.Entries, entry)
			leaves = append(leaves, integrity.ResultLeaf(entry.ContentHash, entry.PhaseB, entry.PhaseC, entry.PhaseD))
		case model.HypothesisError:
			result.Failed = append(result.Failed, model.FailedEntry{
				HypothesisID: h.ID,
				Index:        h.Index,
				Title:        h.DisplayTitle,
				Error:        deref(h.ErrorMessage),
			})
		}
	}
	slices.Sort(leaves)
	result.Digest = integrity.BuildMerkleRoot(leaves)

	r.Result = result
	r.Progress.Aggregate = &model.AggregateProgress{Completed: len(result.Entries), Failed: len(result.Failed)}

	if len(hyps) == 0 {
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindMissingInput,
			"no hypotheses left to aggregate: all were deleted"))
	}
	if len(result.Entries) == 0 {
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindExternalOperation,
			"all %d hypotheses failed", len(result.Failed)))
	}

	var successor *model.Run
	if next, ok := r.Successor(now); ok {
		successor = &next
	}
	r.Status = model.RunStatusCompleted
	if err := e.advance(r, model.PhaseCompleted); err != nil {
		return StepResult{}, err
	}
	r.Progress.Iteration++
	if err := e.store.FinishRun(ctx, r, successor); err != nil {
		r.Progress.Iteration--
		return e.handleSaveError(ctx, r, phase, err)
	}
	e.publish(ctx, *r)

	res := StepResult{Phase: phase, NextPhase: model.PhaseCompleted}
	if successor != nil {
		id := successor.ID
		res.Successor = &id
		e.publish(ctx, *successor)
		e.logger.Info("pipeline: run completed, next loop queued",
			"run_id", r.ID, "successor_id", id, "loop", successor.Config.LoopIndex, "entries", len(result.Entries))
	} else {
		// The attachment store is shared across loops; the last loop owns it.
		e.deleteTransientStore(ctx, r)
		e.logger.Info("pipeline: run completed", "run_id", r.ID, "entries", len(result.Entries), "failed", len(result.Failed))
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
