// Package metrics provides Prometheus metrics for flow compilation, execution
// and criteria evaluation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowtest"

var (
	// CompilationsTotal counts compilations by result.
	CompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compiler",
			Name:      "compilations_total",
			Help:      "Total number of graph compilations by result",
		},
		[]string{"result"}, // "ok", "defects"
	)

	// CompileDefectsTotal counts reported defects by code.
	CompileDefectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compiler",
			Name:      "defects_total",
			Help:      "Total number of compile defects by code",
		},
		[]string{"code"},
	)

	// RunsTotal counts executions by final run status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "succeeded", "partial", "failed", "cancelled"
	)

	// RunsActive tracks executions in flight.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_active",
			Help:      "Number of currently executing runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// NodesTotal counts node outcomes.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "nodes_total",
			Help:      "Total number of node outcomes by status",
		},
		[]string{"status"}, // "succeeded", "failed", "skipped", "cancelled"
	)

	// NodeDuration tracks node process duration by node type.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Node process duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// EventsTotal counts events published by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of events published",
		},
		[]string{"type"},
	)

	// PublishErrorsTotal counts failed appends to the event log.
	PublishErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "publish_errors_total",
			Help:      "Total number of failed event log appends",
		},
	)

	// RuleEvaluationsTotal counts criteria rule outcomes.
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "criteria",
			Name:      "rule_evaluations_total",
			Help:      "Total number of rule evaluations by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: passed, failed, skipped, cancelled
	)

	// RuleDuration tracks rule evaluation latency.
	RuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "criteria",
			Name:      "rule_duration_seconds",
			Help:      "Rule evaluation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// TasksTotal counts test-case tasks by terminal status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "tasks_total",
			Help:      "Total number of test-case tasks by terminal status",
		},
		[]string{"status"},
	)

	// ProviderCallsTotal counts model provider calls.
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of model provider calls",
		},
		[]string{"provider", "result"}, // result: success, error
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE event streams",
		},
	)

	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "Lifetime of SSE event streams",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)
