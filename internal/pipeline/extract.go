package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kenkyu/internal/integrity"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/prompts"
	"github.com/ashita-ai/kenkyu/internal/runerr"
)

const (
	maxTitleLen   = 500
	maxSummaryLen = 8 * 1024
)

// divergentExtract turns the divergent output into hypotheses. Creation and
// the move to fanout_starting commit together, guarded on the run version,
// so a replayed call either sees the new phase or creates nothing.
func (e *Executor) divergentExtract(ctx context.Context, r *model.Run) (StepResult, error) {
	const phase = model.PhaseDivergentExtract

	if r.DivergentOutput == nil {
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindMissingInput, "divergent output is missing"))
	}

	if wait := e.rateLimitWait(r); wait > 0 {
		return StepResult{Phase: phase, NextPhase: phase, HasMore: true, RetryAfter: wait}, nil
	}
	candidates, fallback, err := e.extractCandidates(ctx, r)
	if err != nil {
		if _, limited := runerr.RetryAfterOf(err); limited {
			return e.divergentGatewayError(ctx, r, phase, err)
		}
		return e.failRun(ctx, r, phase, err)
	}
	r.Progress.RateLimit = nil

	existing, err := e.store.ActiveProjectHashes(ctx, r.ProjectID, r.ID)
	if err != nil {
		return StepResult{}, fmt.Errorf("pipeline: load project hashes: %w", err)
	}
	unique, deduped := dedupe(candidates, existing)
	if len(unique) > r.Config.HypothesisCount {
		unique = unique[:r.Config.HypothesisCount]
	}
	r.Progress.Extract = &model.ExtractProgress{
		Produced: len(candidates),
		Deduped:  deduped,
		Created:  len(unique),
		Fallback: fallback,
	}
	if len(unique) == 0 {
		return e.failRun(ctx, r, phase, runerr.New(runerr.KindParsing,
			"no new candidates: %d produced, %d duplicates", len(candidates), deduped).
			With("produced", len(candidates)).With("deduped", deduped))
	}

	now := e.now()
	hyps := make([]model.Hypothesis, len(unique))
	for i, c := range unique {
		runID := r.ID
		hyps[i] = model.Hypothesis{
			ID:           uuid.New(),
			Index:        i,
			RunID:        &runID,
			ProjectID:    r.ProjectID,
			DisplayTitle: c.Title,
			Summary:      c.Summary,
			ContentHash:  integrity.ContentHash(c.Title, c.Summary),
			Status:       model.HypothesisPending,
			CreatedAt:    now,
		}
	}
	r.Progress.Fanout = &model.FanoutProgress{Total: len(hyps)}
	if err := e.advance(r, model.PhaseFanoutStarting); err != nil {
		return StepResult{}, err
	}
	r.Progress.Iteration++
	if err := e.store.CreateHypotheses(ctx, r, hyps); err != nil {
		r.Progress.Iteration--
		return e.handleSaveError(ctx, r, phase, err)
	}
	e.publish(ctx, *r)
	e.logger.Info("pipeline: hypotheses created",
		"run_id", r.ID, "produced", len(candidates), "deduped", deduped, "created", len(hyps), "fallback", fallback)
	return StepResult{Phase: phase, NextPhase: r.CurrentPhase, HasMore: true}, nil
}

// extractCandidates parses the divergent output, falling back to a
// synchronous generation call that restructures it.
func (e *Executor) extractCandidates(ctx context.Context, r *model.Run) ([]model.Candidate, bool, error) {
	if cands := usable(ParseCandidates(r.DivergentOutput.Text)); len(cands) > 0 {
		return cands, false, nil
	}

	data := promptData(r)
	data.Output = r.DivergentOutput.Text
	prompt, err := e.prompts.Render(prompts.Extract, data)
	if err != nil {
		return nil, true, runerr.Wrap(runerr.KindContentGeneration, err, "render extraction prompt")
	}
	text, err := e.gw.Generate(ctx, e.modelFor(r), prompt)
	if err != nil {
		if _, limited := runerr.RetryAfterOf(err); limited {
			return nil, true, err
		}
		return nil, true, runerr.Wrap(runerr.KindContentGeneration, err, "extraction sub-call failed")
	}
	cands := usable(ParseCandidates(text))
	if len(cands) == 0 {
		return nil, true, runerr.New(runerr.KindParsing, "no candidates could be parsed from the divergent output")
	}
	return cands, true, nil
}

// ParseCandidates pulls a JSON array of {title, summary} objects out of
// model output. It accepts a bare array, a fenced ```json block, or an
// object wrapping the array under "hypotheses" or "candidates". Unparseable
// input yields nil.
func ParseCandidates(text string) []model.Candidate {
	for _, chunk := range jsonChunks(text) {
		if cands, ok := decodeCandidates(chunk); ok {
			return cands
		}
	}
	return nil
}

func jsonChunks(text string) []string {
	var chunks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		chunks = append(chunks, strings.TrimSpace(body[:end]))
		rest = body[end+3:]
	}
	chunks = append(chunks, strings.TrimSpace(text))
	if i, j := strings.IndexByte(text, '['), strings.LastIndexByte(text, ']'); i >= 0 && j > i {
		chunks = append(chunks, text[i:j+1])
	}
	return chunks
}

type rawCandidate struct {
	Title       string `json:"title"`
	Name        string `json:"name"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

func decodeCandidates(chunk string) ([]model.Candidate, bool) {
	var list []rawCandidate
	if err := json.Unmarshal([]byte(chunk), &list); err != nil {
		var wrapped struct {
			Hypotheses []rawCandidate `json:"hypotheses"`
			Candidates []rawCandidate `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(chunk), &wrapped); err != nil {
			return nil, false
		}
		list = append(wrapped.Hypotheses, wrapped.Candidates...)
	}
	if len(list) == 0 {
		return nil, false
	}
	out := make([]model.Candidate, 0, len(list))
	for _, rc := range list {
		c := model.Candidate{Title: rc.Title, Summary: rc.Summary}
		if c.Title == "" {
			c.Title = rc.Name
		}
		if c.Summary == "" {
			c.Summary = rc.Description
		}
		out = append(out, c)
	}
	return out, true
}

// usable trims candidates and drops those without a title.
func usable(cands []model.Candidate) []model.Candidate {
	out := cands[:0:0]
	for _, c := range cands {
		c.Title = truncate(strings.TrimSpace(c.Title), maxTitleLen)
		c.Summary = truncate(strings.TrimSpace(c.Summary), maxSummaryLen)
		if c.Title == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// dedupe drops candidates whose content hash is already stored for the
// project or appeared earlier in the batch.
func dedupe(cands []model.Candidate, existing map[string]struct{}) ([]model.Candidate, int) {
	seen := make(map[string]struct{}, len(cands))
	var out []model.Candidate
	dropped := 0
	for _, c := range cands {
		h := integrity.ContentHash(c.Title, c.Summary)
		if _, dup := existing[h]; dup {
			dropped++
			continue
		}
		if _, dup := seen[h]; dup {
			dropped++
			continue
		}
		seen[h] = struct{}{}
		out = append(out, c)
	}
	return out, dropped
}
