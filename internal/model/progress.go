package model

import "time"

// Progress is the structured progress metadata persisted on a run. Each
// phase family owns one optional section.
type Progress struct {
	Iteration int64                 `json:"iteration"`
	Divergent *DivergentProgress    `json:"divergent,omitempty"`
	Extract   *ExtractProgress      `json:"extract,omitempty"`
	Fanout    *FanoutProgress       `json:"fanout,omitempty"`
	Aggregate *AggregateProgress    `json:"aggregate,omitempty"`
	RateLimit *RateLimitProgress    `json:"rate_limit,omitempty"`
	Failure   *FailureProgress      `json:"failure,omitempty"`
	Timings   map[Phase]PhaseTiming `json:"timings,omitempty"`
}

// DivergentProgress tracks the divergent interaction.
type DivergentProgress struct {
	InteractionID string     `json:"interaction_id"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	Polls         int        `json:"polls"`
	LastPolledAt  *time.Time `json:"last_polled_at,omitempty"`
}

// ExtractProgress counts candidates through extraction.
type ExtractProgress struct {
	Produced int  `json:"produced"`
	Deduped  int  `json:"deduped"`
	Created  int  `json:"created"`
	Fallback bool `json:"fallback"`
}

// FanoutProgress summarises the fan-out.
type FanoutProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cursor    int `json:"cursor"`
}

// AggregateProgress summarises the final result.
type AggregateProgress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RateLimitProgress tracks run-scoped rate limiting (divergent phase).
type RateLimitProgress struct {
	Consecutive   int        `json:"consecutive"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// FailureProgress records where and why a run failed.
type FailureProgress struct {
	Phase Phase  `json:"phase"`
	Code  string `json:"code"`
}

// PhaseTiming records when a phase was entered and left.
type PhaseTiming struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// MarkPhase closes the timing of from (when open) and opens to.
func (p *Progress) MarkPhase(from, to Phase, now time.Time) {
	if from == to {
		return
	}
	if p.Timings == nil {
		p.Timings = make(map[Phase]PhaseTiming)
	}
	if t, ok := p.Timings[from]; ok && t.CompletedAt == nil {
		done := now
		t.CompletedAt = &done
		t.DurationMs = now.Sub(t.StartedAt).Milliseconds()
		p.Timings[from] = t
	}
	if _, ok := p.Timings[to]; !ok {
		p.Timings[to] = PhaseTiming{StartedAt: now}
	}
}
