package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/algoviz/engine/internal/config"
	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/trace"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8080",
		DBPath:         "unused",
		MaxSessions:    2,
		MaxSourceBytes: 10240,
		Limits: config.LimitsConfig{
			TimeCeiling:   5 * time.Second,
			MemoryCeiling: 128 * 1024 * 1024,
			StepCeiling:   10000,
		},
		PlaybackRate: 100,
		TraceTTL:     time.Minute,
	}
}

func waitSealed(t *testing.T, s *Session) domain.Summary {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if summary, ok := s.Trace().Summary(); ok {
			return summary
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session did not seal in time")
	return domain.Summary{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	mgr := NewManager(context.Background(), testConfig(), nil)

	s, err := mgr.Submit(SubmitRequest{Source: "x = 1\nreturn x + 1\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	summary := waitSealed(t, s)
	if summary.Reason != domain.StateCompleted {
		t.Errorf("Expected Completed, got %s", summary.Reason)
	}
	if summary.ReturnValue == nil || summary.ReturnValue.Scalar != int64(2) {
		t.Errorf("Expected return value 2, got %v", summary.ReturnValue)
	}
	if s.State() != domain.StateCompleted {
		t.Errorf("Expected session state Completed, got %s", s.State())
	}
	if summary.TotalSteps != s.Trace().Len() {
		t.Errorf("Expected summary step count %d to match trace, got %d",
			s.Trace().Len(), summary.TotalSteps)
	}
}

func TestStepCeilingCommitsExactlyCeilingSteps(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.StepCeiling = 10
	mgr := NewManager(context.Background(), cfg, nil)

	s, err := mgr.Submit(SubmitRequest{Source: "x = 0\nwhile True:\n    x = x + 1\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	summary := waitSealed(t, s)
	if summary.Reason != domain.StateLimitExceeded {
		t.Errorf("Expected LimitExceeded, got %s", summary.Reason)
	}
	if summary.Limit != "step_ceiling" {
		t.Errorf("Expected step_ceiling, got %q", summary.Limit)
	}
	if s.Trace().Len() != 10 {
		t.Errorf("Expected exactly 10 committed steps, got %d", s.Trace().Len())
	}
}

func TestLimitOverridesOnlyLowerCeilings(t *testing.T) {
	mgr := NewManager(context.Background(), testConfig(), nil)
	source := "x = 0\nwhile True:\n    x = x + 1\n"

	s, err := mgr.Submit(SubmitRequest{
		Source: source,
		Limits: &LimitOverrides{StepCeiling: 5},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	summary := waitSealed(t, s)
	if summary.Limit != "step_ceiling" || s.Trace().Len() != 5 {
		t.Errorf("Expected 5 steps under lowered ceiling, got %d (%s)",
			s.Trace().Len(), summary.Limit)
	}

	// An override above the configured ceiling is ignored.
	cfg := testConfig()
	cfg.Limits.StepCeiling = 10
	mgr = NewManager(context.Background(), cfg, nil)
	s, err = mgr.Submit(SubmitRequest{
		Source: source,
		Limits: &LimitOverrides{StepCeiling: 500},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	summary = waitSealed(t, s)
	if summary.Limit != "step_ceiling" || s.Trace().Len() != 10 {
		t.Errorf("Expected configured ceiling of 10 to hold, got %d (%s)",
			s.Trace().Len(), summary.Limit)
	}
}

func TestTimeCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.TimeCeiling = 30 * time.Millisecond
	cfg.Limits.StepCeiling = 100000000
	mgr := NewManager(context.Background(), cfg, nil)

	s, err := mgr.Submit(SubmitRequest{Source: "x = 0\nwhile True:\n    x = x + 1\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	summary := waitSealed(t, s)
	if summary.Reason != domain.StateLimitExceeded {
		t.Errorf("Expected LimitExceeded, got %s", summary.Reason)
	}
	if summary.Limit != "time_ceiling" {
		t.Errorf("Expected time_ceiling, got %q", summary.Limit)
	}
}

func TestGuestFaultSealsFailed(t *testing.T) {
	mgr := NewManager(context.Background(), testConfig(), nil)

	s, err := mgr.Submit(SubmitRequest{Source: "x = 1 / 0\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	summary := waitSealed(t, s)
	if summary.Reason != domain.StateFailed {
		t.Errorf("Expected Failed, got %s", summary.Reason)
	}
	if summary.Fault == nil {
		t.Fatal("Expected fault annotation")
	}
	if summary.Internal {
		t.Error("Guest faults must not be marked internal")
	}

	// The terminal step is a fault step.
	last, err := s.Trace().Get(s.Trace().Len() - 1)
	if err != nil {
		t.Fatalf("get last step failed: %v", err)
	}
	if last.Op != domain.StepFault {
		t.Errorf("Expected terminal fault step, got %s", last.Op)
	}
}

func TestCapacityRejection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.Limits.StepCeiling = 100000000
	mgr := NewManager(context.Background(), cfg, nil)

	long, err := mgr.Submit(SubmitRequest{Source: "x = 0\nwhile True:\n    x = x + 1\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := mgr.Submit(SubmitRequest{Source: "y = 1\n"}); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected ErrCapacity, got %v", err)
	}

	if err := mgr.Cancel(long.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	summary := waitSealed(t, long)
	if summary.Reason != domain.StateCancelled {
		t.Errorf("Expected Cancelled, got %s", summary.Reason)
	}

	// The slot is released after sealing; admission works again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := mgr.Submit(SubmitRequest{Source: "y = 1\n"}); err == nil {
			break
		} else if !errors.Is(err, ErrCapacity) {
			t.Fatalf("Expected ErrCapacity while draining, got %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("slot was not released after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelledTraceStaysReadable(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.StepCeiling = 100000000
	mgr := NewManager(context.Background(), cfg, nil)

	s, err := mgr.Submit(SubmitRequest{Source: "x = 0\nwhile True:\n    x = x + 1\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Let it commit some steps first.
	for s.Trace().Len() < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	if err := mgr.Cancel(s.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitSealed(t, s)

	// The committed prefix is intact and gapless.
	steps, err := s.Trace().Range(0, s.Trace().Len())
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	for i, step := range steps {
		if step.Sequence != uint64(i) {
			t.Fatalf("Expected gapless sequence at %d, got %d", i, step.Sequence)
		}
	}
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	mgr := NewManager(context.Background(), testConfig(), nil)

	s, err := mgr.Submit(SubmitRequest{Source: "x = 1\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitSealed(t, s)

	if err := mgr.Cancel(s.ID); err != nil {
		t.Errorf("Expected cancel after completion to succeed, got %v", err)
	}
	if s.State() != domain.StateCompleted {
		t.Errorf("Expected state to stay Completed, got %s", s.State())
	}
}

func TestSubmitRejectsBadPrograms(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSourceBytes = 16
	mgr := NewManager(context.Background(), cfg, nil)

	if _, err := mgr.Submit(SubmitRequest{Source: "x = 1 + 2 + 3 + 4 + 5\n"}); !errors.Is(err, ErrSourceTooLarge) {
		t.Errorf("Expected ErrSourceTooLarge, got %v", err)
	}

	var rejection *RejectionError
	if _, err := mgr.Submit(SubmitRequest{Source: "y = a.b\n"}); !errors.As(err, &rejection) {
		t.Errorf("Expected RejectionError for policy violation, got %v", err)
	}
	if _, err := mgr.Submit(SubmitRequest{Source: "if x\n"}); !errors.As(err, &rejection) {
		t.Errorf("Expected RejectionError for syntax error, got %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	mgr := NewManager(context.Background(), testConfig(), nil)
	if _, err := mgr.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := mgr.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEvictedSessionRehydratesFromArchive(t *testing.T) {
	archive, err := trace.NewArchive(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("open archive failed: %v", err)
	}
	defer func() {
		if err := archive.Close(); err != nil {
			t.Errorf("close archive failed: %v", err)
		}
	}()

	mgr := NewManager(context.Background(), testConfig(), archive)
	s, err := mgr.Submit(SubmitRequest{Source: "return 7\n"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitSealed(t, s)
	stepCount := s.Trace().Len()

	// The archive write happens after sealing; wait for it to land.
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := archive.LoadTrace(ctx, s.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trace was never archived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(time.Millisecond)
	if removed := mgr.removeExpired(0); removed != 1 {
		t.Fatalf("Expected 1 evicted session, got %d", removed)
	}

	restored, err := mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}
	if restored.State() != domain.StateCompleted {
		t.Errorf("Expected Completed, got %s", restored.State())
	}
	if restored.Trace().Len() != stepCount {
		t.Errorf("Expected %d steps after rehydration, got %d", stepCount, restored.Trace().Len())
	}
}
