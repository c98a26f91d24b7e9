package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_jobs_submitted_total", Help: "Jobs accepted for analysis"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "session_jobs_failed_total", Help: "Jobs that reached failed, by phase"}, []string{"phase"})
	FeedbackFallbacks    = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_feedback_fallbacks_total", Help: "Reports synthesized from scores after generation failed"})
	MemoryUpdates        = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_memory_updates_total", Help: "Memory aggregates written"})
	MemoryUpdateFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_memory_update_failures_total", Help: "Memory updates that gave up"})
	MemoryConflicts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_memory_version_conflicts_total", Help: "Memory writes retried after a version conflict"})
	RestartsResumed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_restarts_resumed_total", Help: "Incomplete jobs re-driven after restart"})
	RestartsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "session_restarts_failed_total", Help: "Incomplete jobs failed because they could not be resumed"})
	PipelinesInFlight    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "session_pipelines_inflight", Help: "Pipelines currently running"})
	PhaseDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_phase_duration_seconds",
		Help:    "Wall time per pipeline phase",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"phase"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			FeedbackFallbacks,
			MemoryUpdates,
			MemoryUpdateFailures,
			MemoryConflicts,
			RestartsResumed,
			RestartsFailed,
			PipelinesInFlight,
			PhaseDuration,
		)
	})
	return promhttp.Handler()
}
