package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/algoviz/engine/internal/config"
	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/governor"
	"github.com/algoviz/engine/internal/interp"
	"github.com/algoviz/engine/internal/lang"
	"github.com/algoviz/engine/internal/metrics"
	"github.com/algoviz/engine/internal/trace"
)

var (
	// ErrCapacity means every execution slot is taken. Submissions are
	// rejected immediately, never queued.
	ErrCapacity = errors.New("all execution slots are busy")

	// ErrSourceTooLarge means the program exceeds the configured size cap.
	ErrSourceTooLarge = errors.New("source exceeds size limit")

	// ErrNotFound means no session exists under the given ID.
	ErrNotFound = errors.New("session not found")
)

// RejectionError wraps a compile or policy failure so the API layer can
// distinguish a bad program from an engine problem.
type RejectionError struct {
	Err error
}

func (e *RejectionError) Error() string { return e.Err.Error() }
func (e *RejectionError) Unwrap() error { return e.Err }

// SubmitRequest is an admission request for one guest program.
type SubmitRequest struct {
	Source string
	// Input is an optional JSON value bound to the guest global "input".
	Input json.RawMessage
	// Limits optionally lowers the configured ceilings for this session.
	Limits *LimitOverrides
}

// LimitOverrides tightens resource ceilings for one session. A zero field
// keeps the configured ceiling; a value above it is ignored. Overrides can
// never raise a ceiling.
type LimitOverrides struct {
	TimeCeilingMs      uint64 `json:"time_ceiling_ms,omitempty"`
	StepCeiling        uint64 `json:"step_ceiling,omitempty"`
	MemoryCeilingBytes uint64 `json:"memory_ceiling_bytes,omitempty"`
}

// effectiveLimits resolves the configured ceilings against the requested
// overrides.
func (m *Manager) effectiveLimits(o *LimitOverrides) governor.Limits {
	limits := governor.Limits{
		MaxDuration:    m.cfg.Limits.TimeCeiling,
		MaxSteps:       m.cfg.Limits.StepCeiling,
		MaxMemoryBytes: m.cfg.Limits.MemoryCeiling,
	}
	if o == nil {
		return limits
	}
	if d := time.Duration(o.TimeCeilingMs) * time.Millisecond; d > 0 && d < limits.MaxDuration {
		limits.MaxDuration = d
	}
	if o.StepCeiling > 0 && o.StepCeiling < limits.MaxSteps {
		limits.MaxSteps = o.StepCeiling
	}
	if o.MemoryCeilingBytes > 0 && o.MemoryCeilingBytes < limits.MaxMemoryBytes {
		limits.MaxMemoryBytes = o.MemoryCeilingBytes
	}
	return limits
}

// Manager admits sessions against a fixed pool of execution slots and
// keeps the registry of live and recently finished sessions.
type Manager struct {
	cfg     *config.Config
	archive *trace.Archive
	slots   chan struct{}

	mu       sync.RWMutex
	sessions map[string]*Session

	// baseCtx parents every session context so shutdown cancels all
	// running executions.
	baseCtx context.Context
}

// NewManager creates a manager with cfg.MaxSessions execution slots.
// archive may be nil; sealed traces are then kept in memory only.
func NewManager(ctx context.Context, cfg *config.Config, archive *trace.Archive) *Manager {
	return &Manager{
		cfg:      cfg,
		archive:  archive,
		slots:    make(chan struct{}, cfg.MaxSessions),
		sessions: make(map[string]*Session),
		baseCtx:  ctx,
	}
}

// Submit validates, compiles, and admits a program. On success the session
// is already running; its first steps may be committed before Submit
// returns. Validation failures return a RejectionError; a full slot pool
// returns ErrCapacity.
func (m *Manager) Submit(req SubmitRequest) (*Session, error) {
	if len(req.Source) > m.cfg.MaxSourceBytes {
		metrics.SubmissionsRejected.WithLabelValues("source_too_large").Inc()
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrSourceTooLarge, len(req.Source), m.cfg.MaxSourceBytes)
	}

	fn, err := lang.Compile("program", []byte(req.Source))
	if err != nil {
		metrics.SubmissionsRejected.WithLabelValues("compile").Inc()
		return nil, &RejectionError{Err: err}
	}

	mach := interp.New(fn)
	if len(req.Input) > 0 {
		if err := mach.SetInput(req.Input); err != nil {
			metrics.SubmissionsRejected.WithLabelValues("input").Inc()
			return nil, &RejectionError{Err: err}
		}
	}

	select {
	case m.slots <- struct{}{}:
	default:
		metrics.SubmissionsRejected.WithLabelValues("capacity").Inc()
		return nil, ErrCapacity
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &Session{
		ID:        uuid.NewString(),
		Source:    req.Source,
		CreatedAt: time.Now(),
		store:     trace.NewMemory(),
		limits:    m.effectiveLimits(req.Limits),
		state:     domain.StatePending,
		cancel:    cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	go m.supervise(ctx, s, mach)

	slog.Info("session admitted", "session_id", s.ID, "source_bytes", len(req.Source))
	return s, nil
}

// Get returns a live or recently finished session. When the session has
// already been evicted from memory, the archive is consulted and the
// sealed trace is rehydrated.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	if m.archive == nil {
		return nil, ErrNotFound
	}

	st, err := m.archive.LoadTrace(ctx, id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load archived trace: %w", err)
	}
	summary, _ := st.Summary()

	restored := &Session{
		ID:       id,
		store:    st.(*trace.Memory),
		state:    summary.Reason,
		sealedAt: time.Now(),
		cancel:   func() {},
	}

	m.mu.Lock()
	// Another request may have rehydrated concurrently; keep the first.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = restored
	m.mu.Unlock()

	slog.Info("session rehydrated from archive", "session_id", id, "steps", st.Len())
	return restored, nil
}

// Cancel requests termination of a running session.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	s.Cancel()
	return nil
}

// Active returns how many sessions currently hold a slot.
func (m *Manager) Active() int {
	return len(m.slots)
}

// removeExpired evicts finished sessions older than the TTL from the
// in-memory registry and returns how many were dropped.
func (m *Manager) removeExpired(ttl time.Duration) int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.expired(ttl, now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
