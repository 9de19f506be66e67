package httpserver

import (
	"context"
	"log/slog"
	"time"

	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/storage"
)

// StartJanitor launches a background janitor that deletes expired pastes.
// Reads already refuse expired pastes; this only reclaims their storage.
func StartJanitor(ctx context.Context, store storage.Store, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c, cancel := context.WithTimeout(ctx, 5*time.Second)
				_, _ = Sweep(c, store, time.Now(), logger, m)
				cancel()
			}
		}
	}()
}

// StartJanitor runs the janitor for this server's store and reports whether
// it started. It stays off in test mode, where requests carry their own clock
// and a wall-clock sweep would delete pastes they still see as live.
func (s *Server) StartJanitor(ctx context.Context, interval time.Duration) bool {
	if s.testMode {
		s.logger.Warn("janitor disabled in test mode")
		return false
	}
	StartJanitor(ctx, s.store, interval, s.logger, s.metrics)
	return true
}

// Sweep deletes every paste whose expiry is at or before now and returns
// how many were removed.
func Sweep(ctx context.Context, store storage.Store, now time.Time, logger *slog.Logger, m *metrics.Metrics) (int, error) {
	removed, err := store.DeleteExpired(ctx, now)
	if err != nil {
		if logger != nil {
			logger.Error("janitor error", "error", err)
		}
		return removed, err
	}
	m.JanitorRemoved(removed)
	if removed > 0 && logger != nil {
		logger.Info("janitor removed expired pastes", "count", removed)
	}
	return removed, nil
}
