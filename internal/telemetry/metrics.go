package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted for execution"}, []string{"topic"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"}, []string{"topic"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"topic"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts that were rescheduled"}, []string{"topic"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter store"}, []string{"topic"})
	RecoveryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dead_letter_recoveries_total", Help: "Manual dead-letter retries by outcome"}, []string{"topic", "outcome"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready jobs waiting for a slot"}, []string{"topic"})
	InFlight         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently holding a slot"}, []string{"topic"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_handler_duration_seconds",
		Help:    "Handler execution time per attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			RecoveryOutcomes,
			QueueDepth,
			InFlight,
			HandlerDuration,
		)
	})
}
