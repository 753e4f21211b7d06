// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhooksReceived    *prometheus.CounterVec // by message type
	WebhookAuthFailed   prometheus.Counter
	WebhooksSkipped     *prometheus.CounterVec // by reason
	VODsUpserted        prometheus.Counter
	ChunksQueued        prometheus.Counter
	AvailabilityChecked prometheus.Counter
	DispatchesTotal     *prometheus.CounterVec // by outcome
	NotificationsSent   *prometheus.CounterVec // by mode, outcome
	CatalogRuns         *prometheus.CounterVec // by run_type, status

	// Histograms (seconds)
	SyncDuration prometheus.Observer

	// Gauges
	PendingChunksGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ghost_webhooks_received_total", Help: "EventSub deliveries received"}, []string{"type"})
		WebhookAuthFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "ghost_webhook_auth_failed_total", Help: "EventSub deliveries rejected for bad signatures or headers"})
		WebhooksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ghost_webhooks_skipped_total", Help: "Notifications skipped without processing"}, []string{"reason"})
		VODsUpserted = promauto.NewCounter(prometheus.CounterOpts{Name: "ghost_vods_upserted_total", Help: "VOD rows inserted or refreshed"})
		ChunksQueued = promauto.NewCounter(prometheus.CounterOpts{Name: "ghost_chunks_queued_total", Help: "Chunks transitioned from pending to queued"})
		AvailabilityChecked = promauto.NewCounter(prometheus.CounterOpts{Name: "ghost_availability_checked_total", Help: "VODs probed for availability"})
		DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ghost_dispatches_total", Help: "Workflow dispatch attempts"}, []string{"outcome"})
		NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ghost_notifications_sent_total", Help: "Notification deliveries"}, []string{"mode", "outcome"})
		CatalogRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ghost_catalog_runs_total", Help: "Cataloger runs"}, []string{"run_type", "status"})
		SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ghost_sync_duration_seconds", Help: "Per-streamer VOD sync duration seconds", Buckets: prometheus.DefBuckets})
		PendingChunksGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "ghost_pending_chunks", Help: "Current number of pending chunks"})
	})
}

// SetPendingChunks records the current pending chunk count.
func SetPendingChunks(n int) {
	if PendingChunksGauge != nil {
		PendingChunksGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
