// Execution trace engine server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/algoviz/engine/internal/api"
	"github.com/algoviz/engine/internal/config"
	"github.com/algoviz/engine/internal/middleware"
	"github.com/algoviz/engine/internal/nav"
	"github.com/algoviz/engine/internal/session"
	"github.com/algoviz/engine/internal/trace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	archive, err := trace.NewArchive(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize trace archive", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := archive.Close(); closeErr != nil {
			slog.Error("Failed to close trace archive", "error", closeErr)
		}
	}()

	if err := archive.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Trace archive connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := session.NewManager(ctx, cfg, archive)
	slog.Info("Session manager initialized",
		"max_sessions", cfg.MaxSessions,
		"step_ceiling", cfg.Limits.StepCeiling,
		"time_ceiling", cfg.Limits.TimeCeiling)

	// Initialize handlers.
	baseHandler := api.NewHandler(cfg.FrontendURL)
	sessionHandler := api.NewSessionHandler(baseHandler, mgr)
	healthHandler := api.NewHealthHandler(archive, mgr)
	wsHandler := nav.NewWebSocketHandler(mgr, cfg.PlaybackRate, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint for trace navigation.
	r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)

	// WriteTimeout stays 0: navigation connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	session.StartReaper(ctx, mgr, archive, cfg.TraceTTL)
	slog.Info("Reaper started", "trace_ttl", cfg.TraceTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
