package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	TasksEnqueued    prometheus.Counter
	TasksFinished    *prometheus.CounterVec
	TasksDeferred    prometheus.Counter
	TracksDownloaded prometheus.Counter
	TrackFailures    prometheus.Counter
	TrackRetries     prometheus.Counter
	QueueDepth       prometheus.Gauge
	ActiveTasks      prometheus.Gauge
	PendingReplay    prometheus.Gauge
	BreakerState     prometheus.Gauge
	DelaySeconds     *prometheus.HistogramVec
}

// New registers all collectors on reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "tasks_enqueued_total",
			Help:      "Download tasks accepted into the queue.",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "tasks_finished_total",
			Help:      "Download tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		TasksDeferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "tasks_deferred_total",
			Help:      "Tasks diverted to the circuit breaker pending buffer.",
		}),
		TracksDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "tracks_downloaded_total",
			Help:      "Tracks downloaded successfully.",
		}),
		TrackFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "track_failures_total",
			Help:      "Tracks that permanently failed after retries.",
		}),
		TrackRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "track_retries_total",
			Help:      "Track download attempts that were retried.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the queue.",
		}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "active_tasks",
			Help:      "Tasks currently downloading.",
		}),
		PendingReplay: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "pending_replay",
			Help:      "Tasks parked in the circuit breaker pending buffer.",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		DelaySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Name:      "behavior_delay_seconds",
			Help:      "Delays applied by the behavior engine, by class.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"class"}),
	}
}
