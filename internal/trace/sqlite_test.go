package trace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/algoviz/engine/internal/domain"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := NewArchive(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("open archive failed: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("close archive failed: %v", err)
		}
	})
	return a
}

func sealedTrace(t *testing.T, n uint64) *Memory {
	t.Helper()
	m := NewMemory()
	for i := uint64(0); i < n; i++ {
		if err := m.Append(step(i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	summary := domain.Summary{Reason: domain.StateCompleted, TotalSteps: n, Console: "done\n"}
	if err := m.Seal(summary); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	return m
}

func TestArchiveSaveAndLoadRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	src := sealedTrace(t, 4)
	if err := a.SaveTrace(ctx, "sess-1", src); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := a.LoadTrace(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Len() != 4 {
		t.Errorf("Expected 4 steps, got %d", loaded.Len())
	}
	if !loaded.Sealed() {
		t.Error("Expected restored trace to be sealed")
	}
	summary, _ := loaded.Summary()
	if summary.Reason != domain.StateCompleted || summary.Console != "done\n" {
		t.Errorf("Expected summary round trip, got %+v", summary)
	}

	got, err := loaded.Get(2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Sequence != 2 || got.Variables["x"].Scalar != float64(2) {
		// JSON numbers decode as float64.
		t.Errorf("Expected step 2 with x=2, got %+v", got)
	}
}

func TestArchiveRejectsUnsealedTrace(t *testing.T) {
	a := newTestArchive(t)
	m := NewMemory()
	if err := m.Append(step(0)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := a.SaveTrace(context.Background(), "sess-1", m); err == nil {
		t.Error("Expected saving an unsealed trace to fail")
	}
}

func TestArchiveLoadUnknownSession(t *testing.T) {
	a := newTestArchive(t)
	if _, err := a.LoadTrace(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestArchiveSaveIsIdempotent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	src := sealedTrace(t, 2)

	if err := a.SaveTrace(ctx, "sess-1", src); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := a.SaveTrace(ctx, "sess-1", src); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := a.LoadTrace(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Len() != 2 {
		t.Errorf("Expected 2 steps after duplicate save, got %d", loaded.Len())
	}
}

func TestArchiveDeleteExpired(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	if err := a.SaveTrace(ctx, "old", sealedTrace(t, 1)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A negative TTL puts the threshold in the future, expiring everything.
	deleted, err := a.DeleteExpired(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted trace, got %d", deleted)
	}
	if _, err := a.LoadTrace(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected trace to be gone, got %v", err)
	}

	// Fresh traces survive a normal TTL sweep.
	if err := a.SaveTrace(ctx, "fresh", sealedTrace(t, 1)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	deleted, err = a.DeleteExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected 0 deleted traces, got %d", deleted)
	}
}
