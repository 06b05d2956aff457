// Package metrics exposes the engine's Prometheus collectors. Passing a nil
// registerer yields collectors bound to a private registry, which keeps unit
// tests and embedded setups free of global registration conflicts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine updates.
type Metrics struct {
	// TasksSubmitted counts admissions by priority tier.
	TasksSubmitted *prometheus.CounterVec
	// TaskDuration observes end-to-end task latency by capability and
	// terminal status.
	TaskDuration *prometheus.HistogramVec
	// QueueDepth is the current number of pending tasks.
	QueueDepth prometheus.Gauge
	// AgentLoad tracks in-flight tasks per agent.
	AgentLoad *prometheus.GaugeVec
	// ModelCalls counts backend invocations by model and outcome.
	ModelCalls *prometheus.CounterVec
	// ModelLatency observes backend call latency per model.
	ModelLatency *prometheus.HistogramVec
	// BreakerState reports each model breaker (0=closed, 1=open, 2=half-open).
	BreakerState *prometheus.GaugeVec
	// SessionsActive is the number of live collaboration sessions.
	SessionsActive prometheus.Gauge
}

// New registers and returns the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TasksSubmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_tasks_submitted_total",
			Help: "Total tasks admitted to the pending queue.",
		}, []string{"priority"}),

		TaskDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskmesh_task_duration_seconds",
			Help:    "Histogram of task latencies from submission to terminal status.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"capability", "status"}),

		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "taskmesh_queue_depth",
			Help: "Current number of pending tasks.",
		}),

		AgentLoad: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmesh_agent_load",
			Help: "In-flight tasks per agent.",
		}, []string{"agent_id"}),

		ModelCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_model_calls_total",
			Help: "Backend invocations by model and outcome.",
		}, []string{"model_id", "outcome"}),

		ModelLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskmesh_model_latency_seconds",
			Help:    "Backend call latency per model.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"model_id"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmesh_model_breaker_state",
			Help: "Circuit breaker state per model (0=closed, 1=open, 2=half-open).",
		}, []string{"model_id"}),

		SessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "taskmesh_sessions_active",
			Help: "Live collaboration sessions.",
		}),
	}
}
