// Package session owns the execution lifecycle: admission of submitted
// programs, supervised execution against the resource governor, sealing,
// and expiry of finished sessions.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/governor"
	"github.com/algoviz/engine/internal/trace"
)

// Session is one submitted program and its trace.
//
// State moves Pending -> Running -> terminal exactly once; the supervisor
// goroutine is the only writer after creation, except Cancel, which only
// signals the context.
type Session struct {
	ID        string
	Source    string
	CreatedAt time.Time

	store  *trace.Memory
	limits governor.Limits

	mu       sync.RWMutex
	state    domain.SessionState
	sealedAt time.Time

	cancel context.CancelFunc
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Trace returns the session's trace store.
func (s *Session) Trace() trace.Store {
	return s.store
}

// Cancel requests cooperative termination. Calling it on a finished
// session has no effect.
func (s *Session) Cancel() {
	s.cancel()
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	if state.Terminal() {
		s.sealedAt = time.Now()
	}
}

// expired reports whether a finished session has outlived the TTL.
func (s *Session) expired(ttl time.Duration, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Terminal() && now.Sub(s.sealedAt) > ttl
}
