// Package governor enforces per-session resource ceilings. The governor is
// pure: it holds the configured limits and compares counters against them,
// performing no I/O and no allocation on the authorize path.
package governor

import "time"

// Reason names the limit that denied authorization.
type Reason string

const (
	ReasonTime   Reason = "time_ceiling"
	ReasonSteps  Reason = "step_ceiling"
	ReasonMemory Reason = "memory_ceiling"
)

// Limits are the configured ceilings for one session. A zero field disables
// that ceiling.
type Limits struct {
	MaxDuration    time.Duration
	MaxSteps       uint64
	MaxMemoryBytes uint64
}

// Usage is the live counter set compared against the ceilings before every
// step commit. Steps counts steps already committed.
type Usage struct {
	Elapsed     time.Duration
	Steps       uint64
	MemoryBytes uint64
}

// Decision is the outcome of one authorization check.
type Decision struct {
	Allow  bool
	Reason Reason
}

// Governor authorizes step commits against a fixed set of limits.
type Governor struct {
	limits Limits
}

// New creates a governor for the given limits.
func New(limits Limits) *Governor {
	return &Governor{limits: limits}
}

// Limits returns the configured ceilings.
func (g *Governor) Limits() Limits {
	return g.limits
}

// Authorize decides whether one more step may be committed. A denial is
// terminal for the session: the caller must stop the interpreter and seal
// the trace with the returned reason.
func (g *Governor) Authorize(u Usage) Decision {
	if g.limits.MaxSteps > 0 && u.Steps >= g.limits.MaxSteps {
		return Decision{Reason: ReasonSteps}
	}
	if g.limits.MaxDuration > 0 && u.Elapsed >= g.limits.MaxDuration {
		return Decision{Reason: ReasonTime}
	}
	if g.limits.MaxMemoryBytes > 0 && u.MemoryBytes >= g.limits.MaxMemoryBytes {
		return Decision{Reason: ReasonMemory}
	}
	return Decision{Allow: true}
}
