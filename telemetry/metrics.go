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
	RefreshCycles      prometheus.Counter
	LookupFailures     prometheus.Counter
	PushEvents         prometheus.Counter
	SubscriptionErrors prometheus.Counter
	RaidsIssued        prometheus.Counter
	AutosaveFailures   prometheus.Counter

	// Histograms (seconds)
	RefreshDuration prometheus.Observer

	// Gauges
	TrackedChannels prometheus.Gauge
	LiveChannels    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RefreshCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "betterraid_refresh_cycles_total", Help: "Number of bulk refresh passes started"})
		LookupFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "betterraid_lookup_failures_total", Help: "Number of bulk lookups that failed in whole or in part"})
		PushEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "betterraid_push_events_total", Help: "Number of live-state push events merged"})
		SubscriptionErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "betterraid_subscription_errors_total", Help: "Number of failed subscribe/unsubscribe calls"})
		RaidsIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "betterraid_raids_total", Help: "Number of raids issued"})
		AutosaveFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "betterraid_autosave_failures_total", Help: "Number of failed store autosaves"})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "betterraid_refresh_duration_seconds", Help: "Bulk refresh duration seconds", Buckets: prometheus.DefBuckets})
		TrackedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "betterraid_tracked_channels", Help: "Channels currently tracked by the engine"})
		LiveChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "betterraid_live_channels", Help: "Tracked channels currently live"})
	})
}

// Inc increments c if metrics were initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetChannelGauges records tracked and live channel counts.
func SetChannelGauges(tracked, live int) {
	if TrackedChannels != nil {
		TrackedChannels.Set(float64(tracked))
	}
	if LiveChannels != nil {
		LiveChannels.Set(float64(live))
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
