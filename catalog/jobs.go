package catalog

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kaiobarb/bazaar-ghost/backend/db"
)

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// StartRefreshJob periodically walks the category for new broadcasts and
// streamers, and reconciles webhook subscriptions afterwards.
func (s *Service) StartRefreshJob(ctx context.Context) {
	interval := envDuration("CATALOG_REFRESH_INTERVAL", time.Hour)
	slog.Info("catalog refresh job starting", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	run := func() {
		if err := s.Refresh(ctx); err != nil {
			slog.Warn("catalog refresh", slog.Any("err", err))
		}
		if err := s.SyncWebhookSubscriptions(ctx); err != nil {
			slog.Warn("subscription sync", slog.Any("err", err))
		}
		if err := db.MarkJobRun(ctx, s.DB, "job_catalog_refresh_last"); err != nil {
			slog.Warn("job bookkeeping", slog.Any("err", err))
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			slog.Info("catalog refresh job stopped")
			return
		case <-ticker.C:
			run()
		}
	}
}

// StartAvailabilityJob periodically re-probes cataloged VODs against the
// platform.
func (s *Service) StartAvailabilityJob(ctx context.Context) {
	interval := envDuration("AVAILABILITY_CHECK_INTERVAL", 6*time.Hour)
	limit := envInt("AVAILABILITY_CHECK_LIMIT", 1000)
	slog.Info("availability job starting", slog.Duration("interval", interval), slog.Int("limit", limit))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	run := func() {
		if _, _, err := s.RefreshAvailability(ctx, limit); err != nil {
			slog.Warn("availability refresh", slog.Any("err", err))
		}
		if err := db.MarkJobRun(ctx, s.DB, "job_availability_last"); err != nil {
			slog.Warn("job bookkeeping", slog.Any("err", err))
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			slog.Info("availability job stopped")
			return
		case <-ticker.C:
			run()
		}
	}
}
