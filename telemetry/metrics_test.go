package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	counters := map[string]prometheus.Counter{
		"refresh_cycles":      RefreshCycles,
		"lookup_failures":     LookupFailures,
		"push_events":         PushEvents,
		"subscription_errors": SubscriptionErrors,
		"raids":               RaidsIssued,
		"autosave_failures":   AutosaveFailures,
	}
	for name, c := range counters {
		if c == nil {
			t.Errorf("%s counter not initialized", name)
		}
	}
	if RefreshDuration == nil || TrackedChannels == nil || LiveChannels == nil {
		t.Fatal("histogram or gauges not initialized")
	}

	// Init is idempotent; a second call must not panic on duplicate registration.
	Init()
}

func TestIncCountsAndToleratesNil(t *testing.T) {
	Init()
	before := testutil.ToFloat64(PushEvents)
	Inc(PushEvents)
	Inc(PushEvents)
	if got := testutil.ToFloat64(PushEvents) - before; got != 2 {
		t.Fatalf("PushEvents delta = %v, want 2", got)
	}
	Inc(nil)
}

func TestSetChannelGauges(t *testing.T) {
	Init()
	SetChannelGauges(7, 3)
	if got := testutil.ToFloat64(TrackedChannels); got != 7 {
		t.Errorf("tracked = %v, want 7", got)
	}
	if got := testutil.ToFloat64(LiveChannels); got != 3 {
		t.Errorf("live = %v, want 3", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_refresh_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}
	if n := testutil.CollectAndCount(testHistogram); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("expected empty correlation on bare context")
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Fatalf("GetCorrelation() = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}
