package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/algoviz/engine/internal/session"
)

// maxStepsPerPage caps one steps-range response.
const maxStepsPerPage = 1000

// SessionHandler handles session submission, inspection, and cancellation.
type SessionHandler struct {
	*Handler
	mgr *session.Manager
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler, mgr *session.Manager) *SessionHandler {
	return &SessionHandler{Handler: base, mgr: mgr}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/{id}", h.GetSession)
		r.Post("/{id}/cancel", h.Cancel)
		r.Get("/{id}/steps", h.GetSteps)
		r.Get("/{id}/summary", h.GetSummary)
	})
}

type submitRequest struct {
	Source string                  `json:"source"`
	Input  json.RawMessage         `json:"input,omitempty"`
	Limits *session.LimitOverrides `json:"limits,omitempty"`
}

// Submit admits a program for traced execution.
func (h *SessionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Source == "" {
		Error(w, http.StatusBadRequest, "source is required")
		return
	}

	s, err := h.mgr.Submit(session.SubmitRequest{Source: req.Source, Input: req.Input, Limits: req.Limits})
	if err != nil {
		var rejection *session.RejectionError
		switch {
		case errors.Is(err, session.ErrCapacity):
			Error(w, http.StatusServiceUnavailable, "all execution slots are busy, try again later")
		case errors.Is(err, session.ErrSourceTooLarge):
			Error(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.As(err, &rejection):
			Error(w, http.StatusUnprocessableEntity, rejection.Error())
		default:
			slog.Error("submit failed", "error", err)
			Error(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": s.ID,
		"state":      s.State(),
	})
}

// GetSession returns the session's current state and progress.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	resp := map[string]interface{}{
		"session_id": s.ID,
		"state":      s.State(),
		"steps":      s.Trace().Len(),
	}
	if summary, sealed := s.Trace().Summary(); sealed {
		resp["summary"] = summary
	}
	JSON(w, http.StatusOK, resp)
}

// Cancel requests cooperative termination of a running session. Cancelling
// a finished session is a no-op and still returns 202.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.mgr.Cancel(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("cancel failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// GetSteps returns committed steps in [from, from+count). It never blocks;
// on a live trace it returns what is committed so far.
func (h *SessionHandler) GetSteps(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}

	from := parseUint(r.URL.Query().Get("from"), 0)
	count := parseUint(r.URL.Query().Get("count"), 100)
	if count > maxStepsPerPage {
		count = maxStepsPerPage
	}

	steps, err := s.Trace().Range(from, from+count)
	if err != nil {
		slog.Error("range failed", "session_id", s.ID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": s.ID,
		"from":       from,
		"steps":      steps,
		"total":      s.Trace().Len(),
		"sealed":     s.Trace().Sealed(),
	})
}

// GetSummary returns the terminal summary of a sealed trace; 409 while the
// session is still running.
func (h *SessionHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	summary, sealed := s.Trace().Summary()
	if !sealed {
		Error(w, http.StatusConflict, "session is still running")
		return
	}
	JSON(w, http.StatusOK, summary)
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	s, err := h.mgr.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		slog.Error("session lookup failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return s, true
}

func parseUint(s string, fallback uint64) uint64 {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
