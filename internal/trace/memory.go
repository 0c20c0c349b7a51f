package trace

import (
	"context"
	"fmt"
	"sync"

	"github.com/algoviz/engine/internal/domain"
)

// Memory is the live trace store. Appends and seals close a notify channel
// so blocked WaitFor calls wake without polling.
type Memory struct {
	mu      sync.RWMutex
	steps   []*domain.Step
	sealed  bool
	summary domain.Summary
	notify  chan struct{}
}

// NewMemory creates an empty open trace.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{})}
}

func (m *Memory) Append(step *domain.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrSealed
	}
	if step.Sequence != uint64(len(m.steps)) {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, step.Sequence, len(m.steps))
	}
	m.steps = append(m.steps, step)
	m.wake()
	return nil
}

func (m *Memory) Get(seq uint64) (*domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq >= uint64(len(m.steps)) {
		return nil, ErrNotFound
	}
	return m.steps[seq], nil
}

func (m *Memory) Len() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.steps))
}

func (m *Memory) Range(from, to uint64) ([]*domain.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := uint64(len(m.steps))
	if from > n {
		from = n
	}
	if to > n {
		to = n
	}
	if from >= to {
		return nil, nil
	}
	out := make([]*domain.Step, to-from)
	copy(out, m.steps[from:to])
	return out, nil
}

func (m *Memory) WaitFor(ctx context.Context, seq uint64) (*domain.Step, error) {
	for {
		m.mu.RLock()
		if seq < uint64(len(m.steps)) {
			step := m.steps[seq]
			m.mu.RUnlock()
			return step, nil
		}
		if m.sealed {
			m.mu.RUnlock()
			return nil, ErrSealed
		}
		ch := m.notify
		m.mu.RUnlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (m *Memory) Seal(summary domain.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return ErrSealed
	}
	m.sealed = true
	m.summary = summary
	m.wake()
	return nil
}

func (m *Memory) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

func (m *Memory) Summary() (domain.Summary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summary, m.sealed
}

// wake releases blocked waiters. Callers hold the write lock.
func (m *Memory) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}
