package model

// Phase is the fine-grained position of a run inside the pipeline.
type Phase string

const (
	PhasePending           Phase = "pending"
	PhaseDivergentStarting Phase = "divergent_starting"
	PhaseDivergentPolling  Phase = "divergent_polling"
	PhaseDivergentExtract  Phase = "divergent_extract"
	PhaseFanoutStarting    Phase = "fanout_starting"
	PhaseFanoutParallel    Phase = "fanout_parallel"
	PhaseFanoutPolling     Phase = "fanout_polling"
	PhaseAggregate         Phase = "aggregate"
	PhaseCompleted         Phase = "completed"
	PhaseError             Phase = "error"
)

// phaseRank orders phases for the monotonicity check. fanout_parallel and
// fanout_polling share a rank: a run alternates between them while
// hypotheses are submitted and polled.
var phaseRank = map[Phase]int{
	PhasePending:           0,
	PhaseDivergentStarting: 1,
	PhaseDivergentPolling:  2,
	PhaseDivergentExtract:  3,
	PhaseFanoutStarting:    4,
	PhaseFanoutParallel:    5,
	PhaseFanoutPolling:     5,
	PhaseAggregate:         6,
	PhaseCompleted:         7,
	PhaseError:             8,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Rank returns the ordinal of p, or -1 for unknown phases.
func (p Phase) Rank() int {
	r, ok := phaseRank[p]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further work happens after p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Quick reports whether the unit of work performed in p is cheap enough for
// the scheduler to run another step in the same invocation. Submissions to
// the gateway are slow; polls, local computation and bookkeeping are quick.
func (p Phase) Quick() bool {
	switch p {
	case PhasePending, PhaseDivergentPolling, PhaseDivergentExtract, PhaseFanoutPolling, PhaseAggregate:
		return true
	default:
		return false
	}
}

// Step maps p onto the coarse step counter shown to users.
func (p Phase) Step() int {
	switch p {
	case PhasePending:
		return 0
	case PhaseDivergentStarting, PhaseDivergentPolling:
		return 1
	case PhaseDivergentExtract:
		return 2
	case PhaseFanoutStarting, PhaseFanoutParallel, PhaseFanoutPolling:
		return 3
	case PhaseAggregate:
		return 4
	default:
		return 5
	}
}

// CanAdvanceTo reports whether moving from p to next keeps the phase rank
// monotonic. Error is reachable from every phase.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if !next.Valid() || !p.Valid() {
		return false
	}
	if next == PhaseError {
		return true
	}
	if p.Terminal() {
		return p == next
	}
	return next.Rank() >= p.Rank()
}
