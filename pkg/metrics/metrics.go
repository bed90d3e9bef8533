// Package metrics exposes the coordinator's and worker's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts jobs by terminal/non-terminal state.
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crowdcompute_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	// TasksTotal counts tasks by state.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crowdcompute_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	// TaskClaimDuration measures the coordinator-side latency of a claim request.
	TaskClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crowdcompute_task_claim_duration_seconds",
			Help:    "Time taken to select and lease a pending task",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TasksReclaimedTotal counts tasks the lease sweeper returned to Pending.
	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcompute_tasks_reclaimed_total",
			Help: "Total number of tasks reclaimed by the lease sweeper",
		},
	)

	// WorkersForgottenTotal counts workers dropped for silence beyond WorkerTTL.
	WorkersForgottenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcompute_workers_forgotten_total",
			Help: "Total number of workers forgotten for heartbeat silence",
		},
	)

	// ArtifactBytesWrittenTotal counts bytes persisted into the artifact store.
	ArtifactBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcompute_artifact_bytes_written_total",
			Help: "Total bytes written to the artifact store",
		},
	)

	// APIRequestsTotal counts coordinator API requests by route and status.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdcompute_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	// APIRequestDuration measures coordinator API request latency by route.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crowdcompute_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// PluginExecutionDuration measures worker-side sibling-container run time by kind.
	PluginExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crowdcompute_plugin_execution_duration_seconds",
			Help:    "Time taken for a plugin container to run to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin_kind"},
	)

	// TasksClaimedByWorkerTotal counts successful claims, for worker-side observability.
	TasksClaimedByWorkerTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdcompute_worker_tasks_claimed_total",
			Help: "Total number of tasks claimed by this worker process",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskClaimDuration)
	prometheus.MustRegister(TasksReclaimedTotal)
	prometheus.MustRegister(WorkersForgottenTotal)
	prometheus.MustRegister(ArtifactBytesWrittenTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(PluginExecutionDuration)
	prometheus.MustRegister(TasksClaimedByWorkerTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
