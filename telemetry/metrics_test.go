package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	// promauto panics on duplicate registration, so a second Init must be a no-op.
	Init()
	Init()

	if WebhooksReceived == nil || DispatchesTotal == nil || SyncDuration == nil {
		t.Fatal("Init() left metrics unregistered")
	}
}

func TestSetPendingChunks(t *testing.T) {
	Init()

	SetPendingChunks(7)
	if got := promtestutil.ToFloat64(PendingChunksGauge); got != 7 {
		t.Errorf("pending chunks gauge = %v, want 7", got)
	}
	SetPendingChunks(0)
	if got := promtestutil.ToFloat64(PendingChunksGauge); got != 0 {
		t.Errorf("pending chunks gauge = %v, want 0", got)
	}
}

func TestTimeFunc(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timefunc_seconds",
	})

	d := TimeFunc(hist, func() {
		time.Sleep(10 * time.Millisecond)
	})
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc() duration = %v, want >= 10ms", d)
	}

	// A nil observer still times the function.
	d = TimeFunc(nil, func() {})
	if d < 0 {
		t.Errorf("TimeFunc(nil) duration = %v", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation() on bare context = %q, want empty", got)
	}

	ctx = WithCorrelation(ctx, "corr-abc123")
	if got := GetCorrelation(ctx); got != "corr-abc123" {
		t.Errorf("GetCorrelation() = %q, want corr-abc123", got)
	}

	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr() returned nil")
	}
	if LoggerWithCorr(context.Background()) == nil {
		t.Error("LoggerWithCorr() without id returned nil")
	}
}
