// Package metrics exposes Prometheus instrumentation for the trace engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently holding an execution slot.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_sessions",
		Help: "Number of sessions currently executing.",
	})

	// SessionsTotal counts finished sessions by terminal state.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sessions_total",
		Help: "Finished sessions by terminal state.",
	}, []string{"reason"})

	// StepsCommitted counts steps committed across all traces.
	StepsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_steps_committed_total",
		Help: "Steps committed to trace stores.",
	})

	// SubmissionsRejected counts submissions refused at admission.
	SubmissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_submissions_rejected_total",
		Help: "Submissions rejected before execution, by cause.",
	}, []string{"cause"})
)
