// Package observability provides Prometheus metrics instrumentation for the workflow engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// WORKFLOW METRICS
// =============================================================================

var (
	workflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageflow_workflows_total",
			Help: "Total number of workflows that reached a terminal status",
		},
		[]string{"status"}, // status: success, failed, timeout_exceeded, blocked
	)

	workflowDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stageflow_workflow_duration_seconds",
			Help:    "Workflow wall-clock duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"status"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageflow_stage_attempts_total",
			Help: "Total number of stage handler attempts",
		},
		[]string{"stage", "result"}, // result: success or a failure kind
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stageflow_stage_duration_seconds",
			Help:    "Stage attempt duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 180},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// BACKEND METRICS
// =============================================================================

var (
	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageflow_backend_calls_total",
			Help: "Total number of backend provider calls",
		},
		[]string{"backend", "status"}, // status: success, error, rejected
	)

	backendLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stageflow_backend_latency_seconds",
			Help:    "Backend provider latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	backendFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageflow_backend_fallbacks_total",
			Help: "Total number of calls rerouted to a fallback backend",
		},
		[]string{"from", "to"},
	)
)

// =============================================================================
// BREAKER METRICS
// =============================================================================

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stageflow_breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=open, 2=half_open)",
		},
		[]string{"target"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stageflow_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"target", "from", "to"},
	)
)

// =============================================================================
// TODO METRICS
// =============================================================================

var todoItemsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stageflow_todo_items_total",
		Help: "Total number of planned items that reached a terminal state",
	},
	[]string{"status"}, // status: succeeded, failed
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordWorkflow records a workflow reaching its terminal status.
func RecordWorkflow(status string, durationMS int64) {
	workflowsTotal.WithLabelValues(status).Inc()
	workflowDurationSeconds.WithLabelValues(status).Observe(float64(durationMS) / 1000.0)
}

// RecordStageAttempt records one stage handler attempt.
func RecordStageAttempt(stage, result string, durationMS int64) {
	stageAttemptsTotal.WithLabelValues(stage, result).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordBackendCall records a backend provider call. Rejected calls carry no latency.
func RecordBackendCall(backend, status string, durationMS int64) {
	backendCallsTotal.WithLabelValues(backend, status).Inc()
	if status != "rejected" {
		backendLatencySeconds.WithLabelValues(backend).Observe(float64(durationMS) / 1000.0)
	}
}

// RecordFallback records a call rerouted from one backend to another.
func RecordFallback(from, to string) {
	backendFallbacksTotal.WithLabelValues(from, to).Inc()
}

// RecordBreakerTransition updates the state gauge and transition counter.
// state is the numeric value of the new state.
func RecordBreakerTransition(target, from, to string, state int) {
	breakerTransitionsTotal.WithLabelValues(target, from, to).Inc()
	breakerState.WithLabelValues(target).Set(float64(state))
}

// SetBreakerState sets the state gauge without counting a transition.
func SetBreakerState(target string, state int) {
	breakerState.WithLabelValues(target).Set(float64(state))
}

// RecordTodoItem records a planned item reaching a terminal state.
func RecordTodoItem(status string) {
	todoItemsTotal.WithLabelValues(status).Inc()
}
