// Package trace provides append-only storage for execution traces: an
// in-memory store for live sessions and a SQLite archive for sealed ones.
package trace

import (
	"context"
	"errors"

	"github.com/algoviz/engine/internal/domain"
)

var (
	// ErrSealed is returned by Append after Seal, and by WaitFor when the
	// requested position lies beyond a sealed trace.
	ErrSealed = errors.New("trace is sealed")

	// ErrNotFound is returned by Get for a position not yet committed.
	ErrNotFound = errors.New("step not found")

	// ErrOutOfOrder is returned by Append when a step's sequence number
	// does not extend the trace by exactly one.
	ErrOutOfOrder = errors.New("step sequence out of order")
)

// Store is one session's trace. Appends come from a single supervisor;
// reads come from any number of concurrent navigation cursors. A step,
// once committed, never changes.
type Store interface {
	// Append commits the next step. The step's Sequence must equal Len().
	Append(step *domain.Step) error

	// Get returns the step at the given position.
	Get(seq uint64) (*domain.Step, error)

	// Len returns the number of committed steps.
	Len() uint64

	// Range returns steps in [from, to). The range is clamped to the
	// committed prefix.
	Range(from, to uint64) ([]*domain.Step, error)

	// WaitFor blocks until the step at seq is committed and returns it.
	// It returns ErrSealed when the trace seals before reaching seq.
	WaitFor(ctx context.Context, seq uint64) (*domain.Step, error)

	// Seal marks the trace complete with its terminal summary. Sealing is
	// idempotent in effect: a second call returns ErrSealed and changes
	// nothing.
	Seal(summary domain.Summary) error

	// Sealed reports whether the trace is complete.
	Sealed() bool

	// Summary returns the terminal summary once sealed.
	Summary() (domain.Summary, bool)
}
