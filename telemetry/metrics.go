// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
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
	TransitionsLive    prometheus.Counter
	TransitionsOffline prometheus.Counter
	TransitionsRestart prometheus.Counter
	DedupSuppressed    prometheus.Counter
	SessionsOpened     prometheus.Counter
	SessionsClosed     prometheus.Counter
	RaidsExecuted      prometheus.Counter
	RaidsSkipped       prometheus.Counter
	RaidsFailed        prometheus.Counter
	NotificationsSeen  prometheus.Counter
	PollCycles         prometheus.Counter

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer
	PollDuration      prometheus.Observer

	// Gauges
	LiveChannelsGauge  prometheus.Gauge
	SubSlotsUsedGauge  prometheus.Gauge
	SubSlotsTotalGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TransitionsLive = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_transitions_live_total", Help: "Channels observed going offline to live"})
		TransitionsOffline = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_transitions_offline_total", Help: "Channels observed going live to offline"})
		TransitionsRestart = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_transitions_restart_total", Help: "Live to live transitions with a new stream instance id"})
		DedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_dedup_suppressed_total", Help: "Transitions dropped by the per-channel de-dup guard"})
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_sessions_opened_total", Help: "Stream sessions opened"})
		SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_sessions_closed_total", Help: "Stream sessions closed"})
		RaidsExecuted = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_raids_executed_total", Help: "Automatic raids executed successfully"})
		RaidsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_raids_skipped_total", Help: "Automatic raids skipped by a precondition"})
		RaidsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_raids_failed_total", Help: "Automatic raid executions that failed upstream"})
		NotificationsSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_eventsub_notifications_total", Help: "EventSub notifications accepted by the callback"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_poll_cycles_total", Help: "Tracker polling cycles completed"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_reconcile_duration_seconds", Help: "Per-channel reconcile duration seconds", Buckets: prometheus.DefBuckets})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_poll_duration_seconds", Help: "Full polling cycle duration seconds", Buckets: prometheus.DefBuckets})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_live_channels", Help: "Monitored channels currently live"})
		SubSlotsUsedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_eventsub_slots_used", Help: "EventSub subscription slots in use"})
		SubSlotsTotalGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_eventsub_slots_total", Help: "EventSub subscription slot ceiling"})
	})
}

// Inc increments a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetLiveChannels records how many monitored channels are live.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// SetSubscriptionSlots records EventSub slot utilization.
func SetSubscriptionSlots(used, total int) {
	if SubSlotsUsedGauge != nil {
		SubSlotsUsedGauge.Set(float64(used))
	}
	if SubSlotsTotalGauge != nil {
		SubSlotsTotalGauge.Set(float64(total))
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
