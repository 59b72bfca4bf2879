// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dispatched_total",
		Help: "Total number of executor tasks launched by the dispatcher",
	})
	JobsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_duplicate_total",
		Help: "Total number of queue messages discarded as duplicates",
	})
	JobsDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_deferred_total",
		Help: "Total number of upload events deferred until a confirmation arrives",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that finished the full pipeline",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that ended in the failed state",
	})
	MessagesDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_dead_letter_total",
		Help: "Total number of malformed or missing-object messages moved to the dead letter list",
	})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_duration_seconds",
		Help:    "Histogram of pipeline stage durations",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of Redis queues",
	}, []string{"queue"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of intake messages recovered from processing lists",
	})
	ChunksIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunks_indexed_total",
		Help: "Total number of chunks upserted into the vector store",
	})
	LLMRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "llm_rate_limited_total",
		Help: "Total number of language model calls delayed by rate limits",
	})
)

func init() {
	prometheus.MustRegister(JobsDispatched, JobsDuplicate, JobsDeferred, JobsCompleted, JobsFailed, MessagesDeadLetter, StageDuration, QueueLength, ReaperRecovered, ChunksIndexed, LLMRateLimited)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Consider StartHTTPServer which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
