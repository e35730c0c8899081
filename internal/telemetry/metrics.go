package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_created_total", Help: "Jobs accepted by kind"}, []string{"kind"})
	JobsSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_succeeded_total", Help: "Jobs that reached succeeded"}, []string{"kind"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that reached failed"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Tasks waiting in the worker pool"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently running"})
	StoreOps         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_store_ops_total", Help: "Record store operations"}, []string{"table", "op", "outcome"})
	HTTPRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_http_requests_total", Help: "HTTP requests by route and status"}, []string{"method", "route", "status"})
	StoreSkippedRows = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_store_skipped_rows_total", Help: "Stored rows that could not be decoded"}, []string{"table"})
	StoreLatency     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_store_op_seconds",
		Help:    "Record store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"table", "op"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsSucceeded,
			JobsFailed,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			StoreOps,
			StoreLatency,
			HTTPRequests,
			StoreSkippedRows,
		)
	})
	return promhttp.Handler()
}
