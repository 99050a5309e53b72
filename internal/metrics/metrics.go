package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_workflows_started_total",
			Help: "Total number of workflow executions started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workflows_completed_total",
			Help: "Total number of workflow executions finished, by terminal status",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batch metrics
	BatchesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_batches_dispatched_total",
			Help: "Total number of batches dispatched",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_batch_duration_seconds",
			Help:    "Batch execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
	)

	// Subtask metrics
	SubtaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_subtask_attempts_total",
			Help: "Total number of subtask execution attempts, by outcome",
		},
		[]string{"outcome"},
	)

	SubtaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_subtask_retries_total",
			Help: "Total number of subtask retry attempts",
		},
	)

	SubtaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_subtask_tokens_used",
			Help:    "Tokens consumed per subtask attempt",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	// Agent metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_agent_calls_total",
			Help: "Total number of agent API calls, by agent and status",
		},
		[]string{"agent_id", "status"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_agent_call_duration_ms",
			Help:    "Agent API call duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"agent_id"},
	)

	AgentInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_agent_in_flight",
			Help: "Current in-flight subtasks per agent",
		},
		[]string{"agent_id"},
	)

	// Fallback metrics
	FallbacksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_fallbacks_executed_total",
			Help: "Total number of agent fallback substitutions, by strategy",
		},
		[]string{"strategy"},
	)

	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_circuit_transitions_total",
			Help: "Total number of agent circuit breaker transitions",
		},
		[]string{"agent_id", "to"},
	)

	// Validation metrics
	ValidationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_validation_verdicts_total",
			Help: "Total number of validation verdicts, by outcome",
		},
		[]string{"outcome"},
	)

	// Snapshot metrics
	SnapshotsTaken = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_snapshots_taken_total",
			Help: "Total number of execution snapshots captured",
		},
	)

	RecoveriesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_recoveries_executed_total",
			Help: "Total number of recovery plans executed, by strategy",
		},
		[]string{"strategy"},
	)

	// Store metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_store_writes_total",
			Help: "Total number of result store writes, by status",
		},
		[]string{"status"},
	)
)

// RecordAgentCall records one outbound agent API call.
func RecordAgentCall(agentID, status string, durationMs float64) {
	AgentCalls.WithLabelValues(agentID, status).Inc()
	AgentCallDuration.WithLabelValues(agentID).Observe(durationMs)
}

// RecordWorkflowDone records a finished workflow execution.
func RecordWorkflowDone(status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(status).Inc()
	WorkflowDuration.Observe(durationSeconds)
}
