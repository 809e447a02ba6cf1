package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDispatched   = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_jobs_dispatched_total", Help: "Optimization jobs accepted and dispatched"})
	JobsShortCircuit = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_jobs_short_circuit_total", Help: "Dispatch requests answered by an already-running job"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_jobs_completed_total", Help: "Jobs finished with a full result"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_jobs_failed_total", Help: "Jobs finished in error state"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_jobs_reclaimed_total", Help: "Expired leases returned to the ready queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_rate_limit_rejects_total", Help: "Start requests rejected by the per-user rate limiter"})
	QueueFullRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "optimize_queue_full_rejects_total", Help: "Start requests rejected by queue backpressure"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "optimize_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "optimize_inflight", Help: "Jobs currently being processed"})

	AICallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimize_ai_call_seconds",
		Help:    "External provider call latency",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"provider", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDispatched,
			JobsShortCircuit,
			JobsCompleted,
			JobsFailed,
			JobsReclaimed,
			RateLimitRejects,
			QueueFullRejects,
			QueueDepthGauge,
			InFlightGauge,
			AICallDuration,
		)
	})
	return promhttp.Handler()
}
