// Package metrics provides Prometheus metrics for the taskflow service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsTotal counts finished workflows by final status.
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "workflows_total",
			Help:      "Total number of workflows by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// WorkflowsActive tracks workflows with a live loop in this process.
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "workflows_active",
			Help:      "Number of currently running workflows",
		},
	)

	// WorkflowDuration tracks workflow execution duration.
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// TasksTotal counts task attempt outcomes.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "tasks_total",
			Help:      "Total number of task attempts by outcome",
		},
		[]string{"outcome"}, // "completed", "failed", "timeout", "discarded"
	)

	// TaskDuration tracks attempt duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "task_duration_seconds",
			Help:      "Task attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// TaskAttempts tracks the attempt count a task resolved at.
	TaskAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "task_attempts",
			Help:      "Number of attempts per resolved task",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"final_status"},
	)

	// GateRejections counts tasks refused before dispatch.
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "gate_rejections_total",
			Help:      "Total number of tasks rejected by the policy gate",
		},
		[]string{"kind"}, // "validation", "policy_denied"
	)

	// EventsTotal counts events appended by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "events_total",
			Help:      "Total number of events appended",
		},
		[]string{"type"},
	)

	// EventStoreOperations counts event store operations.
	EventStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "eventstore_operations_total",
			Help:      "Total number of event store operations",
		},
		[]string{"backend", "operation", "result"}, // result: success, conflict, error
	)

	// EventStoreLatency tracks event store operation latency.
	EventStoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "eventstore_latency_seconds",
			Help:      "Event store operation latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	// AgentDispatchesInFlight tracks limiter slots held per agent.
	AgentDispatchesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "agent_dispatches_in_flight",
			Help:      "Number of attempts currently dispatched per agent",
		},
		[]string{"agent_id"},
	)

	// AuditDecisions counts security decisions by outcome.
	AuditDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "audit_decisions_total",
			Help:      "Total number of security decisions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ArchiveOperations counts archive writes.
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "archive_operations_total",
			Help:      "Total number of workflow log archive writes",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReadyQueueDepth tracks ready tasks waiting on a limiter slot.
	ReadyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "ready_queue_depth",
			Help:      "Number of ready tasks waiting for a dispatch slot",
		},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE event streams",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "sse_connection_duration_seconds",
			Help:      "Duration of SSE event streams in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	// RateLimited counts requests refused by the rate limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "taskflow",
			Name:      "http_rate_limited_total",
			Help:      "Total number of requests refused by the rate limiter",
		},
	)
)
