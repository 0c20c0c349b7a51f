package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/algoviz/engine/internal/trace"
)

const reaperInterval = 5 * time.Minute

// StartReaper runs a background goroutine that periodically evicts expired
// finished sessions from memory and purges expired traces from the archive.
// Running sessions are never touched; only sealed traces age out.
func StartReaper(ctx context.Context, mgr *Manager, archive *trace.Archive, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, mgr, archive, ttl)
			case <-ctx.Done():
				slog.Info("reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, mgr *Manager, archive *trace.Archive, ttl time.Duration) {
	if removed := mgr.removeExpired(ttl); removed > 0 {
		slog.Info("reaper evicted finished sessions", "count", removed)
	}

	if archive == nil {
		return
	}
	deleted, err := archive.DeleteExpired(ctx, ttl)
	if err != nil {
		slog.Error("reaper failed to purge archived traces", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("reaper purged archived traces", "count", deleted)
	}
}
