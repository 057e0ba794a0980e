package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if TransitionsLive == nil || TransitionsOffline == nil || TransitionsRestart == nil {
		t.Error("transition counters not initialized")
	}
	if ReconcileDuration == nil || PollDuration == nil {
		t.Error("duration histograms not initialized")
	}
	if LiveChannelsGauge == nil || SubSlotsUsedGauge == nil || SubSlotsTotalGauge == nil {
		t.Error("gauges not initialized")
	}

	// Double Init must be a no-op, not a duplicate-registration panic.
	Init()
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})
	prometheus.MustRegister(testHistogram)
	defer prometheus.Unregister(testHistogram)

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

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || *metric.Histogram.SampleCount == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()

	for _, n := range []int{0, 3, 100} {
		SetLiveChannels(n)
	}
	SetSubscriptionSlots(42, 300)
	Inc(PollCycles)
	Inc(nil) // tolerated before Init
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithCorrelation(t.Context(), "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if got := GetCorrelation(t.Context()); got != "" {
		t.Errorf("GetCorrelation on bare context = %q, want empty", got)
	}
}
