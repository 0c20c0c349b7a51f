// Package nav is the navigation facade over a trace: cursors that move
// forward, backward, and to arbitrary positions, plus the WebSocket
// transport that streams steps to clients.
package nav

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/trace"
)

var (
	// ErrAtStart signals a retreat past the first step.
	ErrAtStart = errors.New("cursor is at the start of the trace")

	// ErrAtEnd signals an advance past the last step of a sealed trace.
	ErrAtEnd = errors.New("cursor is at the end of the trace")
)

const (
	minSpeedFactor = 0.25
	maxSpeedFactor = 2.0
)

// Cursor is one client's read position in a trace. Moving the cursor never
// affects execution; any number of cursors can walk the same trace
// concurrently, each at its own position. On a live trace, Advance blocks
// until the next step is committed.
type Cursor struct {
	store    trace.Store
	baseRate float64
	limiter  *rate.Limiter

	mu  sync.Mutex
	pos int64 // index of the last delivered step, -1 before the first
}

// NewCursor creates a cursor positioned before the first step.
// stepsPerSecond is the 1x playback pace.
func NewCursor(store trace.Store, stepsPerSecond float64) *Cursor {
	return &Cursor{
		store:    store,
		baseRate: stepsPerSecond,
		limiter:  rate.NewLimiter(rate.Limit(stepsPerSecond), 1),
		pos:      -1,
	}
}

// Position returns the index of the last delivered step, -1 before the
// first.
func (c *Cursor) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Advance delivers the next step, blocking on a live trace until it is
// committed. At the end of a sealed trace it returns ErrAtEnd and leaves
// the position unchanged.
func (c *Cursor) Advance(ctx context.Context) (*domain.Step, error) {
	c.mu.Lock()
	next := uint64(c.pos + 1)
	c.mu.Unlock()

	step, err := c.store.WaitFor(ctx, next)
	if err != nil {
		if errors.Is(err, trace.ErrSealed) {
			return nil, ErrAtEnd
		}
		return nil, err
	}

	c.mu.Lock()
	// Another mover may have repositioned the cursor while we blocked;
	// the later movement wins.
	if c.pos+1 == int64(next) {
		c.pos = int64(next)
	}
	c.mu.Unlock()
	return step, nil
}

// Retreat delivers the previous step. Before the second step it returns
// ErrAtStart and leaves the position unchanged.
func (c *Cursor) Retreat() (*domain.Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos <= 0 {
		return nil, ErrAtStart
	}
	step, err := c.store.Get(uint64(c.pos - 1))
	if err != nil {
		return nil, err
	}
	c.pos--
	return step, nil
}

// Seek positions the cursor on an arbitrary step, blocking on a live trace
// until that step is committed. Seeking past the end of a sealed trace
// returns ErrAtEnd.
func (c *Cursor) Seek(ctx context.Context, seq uint64) (*domain.Step, error) {
	step, err := c.store.WaitFor(ctx, seq)
	if err != nil {
		if errors.Is(err, trace.ErrSealed) {
			return nil, ErrAtEnd
		}
		return nil, err
	}
	c.mu.Lock()
	c.pos = int64(seq)
	c.mu.Unlock()
	return step, nil
}

// Reset moves the cursor back before the first step.
func (c *Cursor) Reset() {
	c.mu.Lock()
	c.pos = -1
	c.mu.Unlock()
}

// Next is the paced variant of Advance used by play loops: it waits for
// the playback limiter before delivering.
func (c *Cursor) Next(ctx context.Context) (*domain.Step, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Advance(ctx)
}

// SetSpeed scales playback to factor times the base rate. The factor is
// clamped to [0.25, 2.0] and the applied value is returned.
func (c *Cursor) SetSpeed(factor float64) float64 {
	if factor < minSpeedFactor {
		factor = minSpeedFactor
	}
	if factor > maxSpeedFactor {
		factor = maxSpeedFactor
	}
	c.limiter.SetLimit(rate.Limit(c.baseRate * factor))
	return factor
}
