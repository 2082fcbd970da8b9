package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// registry keeps broadcast metrics off the global default registry so tests
// and embedders see only what this package registers.
var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

// Broadcast and scheduling metrics. The wire exposition of these is left to
// the embedding layer; Gatherer hands it the registry.
var (
	SchedulerTicksTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "streamhost_scheduler_ticks_total",
		Help: "Total number of scheduler refill ticks",
	})

	SchedulerErrorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhost_scheduler_errors_total",
		Help: "Total number of scheduler errors by cause",
	}, []string{"cause"})

	ScheduleBuildDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamhost_schedule_build_duration_seconds",
		Help:    "Time spent generating queue entries",
		Buckets: prometheus.DefBuckets,
	})

	QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "streamhost_queue_pending_depth",
		Help: "Number of pending entries in the playback queue",
	})

	SessionState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamhost_session_state",
		Help: "Current session state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	ReconnectAttemptsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "streamhost_reconnect_attempts_total",
		Help: "Total number of reconnection attempts",
	})

	PipelineRestartsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "streamhost_pipeline_restarts_total",
		Help: "Total number of health-triggered pipeline restarts",
	})

	EntriesFinishedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhost_entries_finished_total",
		Help: "Total number of queue entries finished by outcome",
	}, []string{"outcome"})

	StagingFailuresTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "streamhost_staging_failures_total",
		Help: "Total number of entries that failed to stage",
	})

	AlertsSentTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhost_alerts_sent_total",
		Help: "Total number of alerts dispatched by severity",
	}, []string{"severity"})

	StreamBitrateKbps = factory.NewGauge(prometheus.GaugeOpts{
		Name: "streamhost_stream_bitrate_kbps",
		Help: "Most recent observed stream bitrate",
	})

	StreamDroppedFrames = factory.NewGauge(prometheus.GaugeOpts{
		Name: "streamhost_stream_dropped_frames",
		Help: "Most recent observed dropped frame count",
	})
)

// SetSessionState flips the state gauge so exactly one state reads 1.
func SetSessionState(state string) {
	for _, s := range []string{"idle", "starting", "streaming", "reconnecting", "stopping", "failed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

// Gatherer returns the registry backing the metrics above.
func Gatherer() prometheus.Gatherer {
	return registry
}
