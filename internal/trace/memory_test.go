package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/algoviz/engine/internal/domain"
)

func step(seq uint64) *domain.Step {
	return &domain.Step{
		Sequence:  seq,
		Op:        domain.StepAssign,
		Variables: map[string]domain.Value{"x": domain.ScalarValue(int64(seq))},
	}
}

func TestMemoryAppendAndGet(t *testing.T) {
	m := NewMemory()
	for i := uint64(0); i < 3; i++ {
		if err := m.Append(step(i)); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if m.Len() != 3 {
		t.Errorf("Expected length 3, got %d", m.Len())
	}
	got, err := m.Get(1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", got.Sequence)
	}
	if _, err := m.Get(3); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRejectsOutOfOrder(t *testing.T) {
	m := NewMemory()
	if err := m.Append(step(1)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Expected ErrOutOfOrder, got %v", err)
	}
	if err := m.Append(step(0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := m.Append(step(0)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Expected ErrOutOfOrder on duplicate, got %v", err)
	}
}

func TestMemorySealStopsAppends(t *testing.T) {
	m := NewMemory()
	if err := m.Append(step(0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	summary := domain.Summary{Reason: domain.StateCompleted, TotalSteps: 1}
	if err := m.Seal(summary); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if err := m.Append(step(1)); !errors.Is(err, ErrSealed) {
		t.Errorf("Expected ErrSealed, got %v", err)
	}
	if err := m.Seal(summary); !errors.Is(err, ErrSealed) {
		t.Errorf("Expected second seal to return ErrSealed, got %v", err)
	}
	got, sealed := m.Summary()
	if !sealed || got.Reason != domain.StateCompleted {
		t.Errorf("Expected sealed Completed summary, got %+v sealed=%v", got, sealed)
	}
}

func TestMemoryRangeClamps(t *testing.T) {
	m := NewMemory()
	for i := uint64(0); i < 5; i++ {
		if err := m.Append(step(i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	steps, err := m.Range(3, 100)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if len(steps) != 2 {
		t.Errorf("Expected 2 steps, got %d", len(steps))
	}
	steps, err = m.Range(10, 20)
	if err != nil || steps != nil {
		t.Errorf("Expected empty range, got %v, %v", steps, err)
	}
}

func TestMemoryWaitForWakesOnAppend(t *testing.T) {
	m := NewMemory()
	done := make(chan *domain.Step, 1)
	go func() {
		s, err := m.WaitFor(context.Background(), 0)
		if err != nil {
			t.Errorf("wait failed: %v", err)
		}
		done <- s
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.Append(step(0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case s := <-done:
		if s.Sequence != 0 {
			t.Errorf("Expected sequence 0, got %d", s.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not wake on append")
	}
}

func TestMemoryWaitForSealedBeyondEnd(t *testing.T) {
	m := NewMemory()
	if err := m.Append(step(0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := m.Seal(domain.Summary{Reason: domain.StateCompleted}); err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	// Committed positions stay readable after sealing.
	if _, err := m.WaitFor(context.Background(), 0); err != nil {
		t.Errorf("Expected committed step, got %v", err)
	}
	if _, err := m.WaitFor(context.Background(), 1); !errors.Is(err, ErrSealed) {
		t.Errorf("Expected ErrSealed past the end, got %v", err)
	}
}

func TestMemoryWaitForHonorsContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.WaitFor(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
