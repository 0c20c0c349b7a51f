package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/algoviz/engine/internal/session"
	"github.com/algoviz/engine/internal/trace"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	archive *trace.Archive
	mgr     *session.Manager
}

// NewHealthHandler creates a new health handler. archive may be nil when
// the engine runs without persistence.
func NewHealthHandler(archive *trace.Archive, mgr *session.Manager) *HealthHandler {
	return &HealthHandler{archive: archive, mgr: mgr}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status":          "healthy",
		"active_sessions": h.mgr.Active(),
		"checks":          map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if h.archive != nil {
		if err := h.archive.Ping(ctx); err != nil {
			slog.Error("health check failed", "error", err)
			status["status"] = "degraded"
			status["checks"].(map[string]string)["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			status["checks"].(map[string]string)["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
