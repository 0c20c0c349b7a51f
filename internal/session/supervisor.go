package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/governor"
	"github.com/algoviz/engine/internal/interp"
	"github.com/algoviz/engine/internal/metrics"
)

// supervise drains the machine into the trace store. Execution is never
// paced here; playback speed belongs to navigation cursors. The governor
// is consulted before every step with the committed count, so a trace can
// hold at most StepCeiling steps.
func (m *Manager) supervise(ctx context.Context, s *Session, mach *interp.Machine) {
	defer func() {
		<-m.slots
		metrics.ActiveSessions.Dec()
	}()

	s.setState(domain.StateRunning)
	gov := governor.New(s.limits)
	start := time.Now()

	summary := domain.Summary{}
	for !mach.Done() {
		if ctx.Err() != nil {
			summary.Reason = domain.StateCancelled
			break
		}

		decision := gov.Authorize(governor.Usage{
			Elapsed:     time.Since(start),
			Steps:       s.store.Len(),
			MemoryBytes: mach.MemoryEstimate(),
		})
		if !decision.Allow {
			summary.Reason = domain.StateLimitExceeded
			summary.Limit = string(decision.Reason)
			break
		}

		step, err := mach.Step()
		if err != nil {
			slog.Error("interpreter fault", "session_id", s.ID, "error", err)
			summary.Reason = domain.StateFailed
			summary.Internal = true
			break
		}
		if appendErr := s.store.Append(step); appendErr != nil {
			slog.Error("trace append failed", "session_id", s.ID, "error", appendErr)
			summary.Reason = domain.StateFailed
			summary.Internal = true
			break
		}
		metrics.StepsCommitted.Inc()
	}

	if summary.Reason == "" {
		// Normal termination: the machine emitted its terminal step.
		summary.Reason = mach.Outcome()
		summary.ReturnValue = mach.Result()
		summary.Fault = mach.Fault()
	}
	summary.TotalSteps = s.store.Len()
	summary.ElapsedMs = time.Since(start).Milliseconds()
	summary.Console = mach.Console()

	s.seal(summary)
	slog.Info("session sealed",
		"session_id", s.ID,
		"reason", summary.Reason,
		"steps", summary.TotalSteps,
		"elapsed_ms", summary.ElapsedMs)

	if m.archive != nil {
		// Archive with a fresh context: the session context may already be
		// cancelled, and the sealed trace should still be persisted.
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.archive.SaveTrace(actx, s.ID, s.store); err != nil {
			slog.Error("archive trace failed", "session_id", s.ID, "error", err)
		}
	}
}

// seal transitions the session to its terminal state and seals the trace.
// The state flips first so observers that see a sealed trace never read a
// non-terminal state.
func (s *Session) seal(summary domain.Summary) {
	s.setState(summary.Reason)
	if err := s.store.Seal(summary); err != nil {
		slog.Warn("seal failed", "session_id", s.ID, "error", err)
	}
	metrics.SessionsTotal.WithLabelValues(string(summary.Reason)).Inc()
}
