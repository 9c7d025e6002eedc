package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's Prometheus collectors.
type Metrics struct {
	Registry prometheus.Registerer

	SnapshotRebuilds    *prometheus.CounterVec
	SnapshotIncremental prometheus.Counter
	SnapshotCorruptions prometheus.Counter
	SnapshotsPruned     prometheus.Counter
	EventsAppended      prometheus.Counter
	EventsDuplicate     prometheus.Counter
	AppendRetries       prometheus.Counter
	EntityFailures      *prometheus.CounterVec
	RuleViolations      *prometheus.CounterVec
	RunsTotal           *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	OperationDuration   *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		SnapshotRebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planstate_snapshot_rebuilds_total",
			Help: "Full snapshot rebuilds by reason.",
		}, []string{"reason"}),
		SnapshotIncremental: f.NewCounter(prometheus.CounterOpts{
			Name: "planstate_snapshot_incremental_total",
			Help: "Snapshots published through the incremental delta path.",
		}),
		SnapshotCorruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "planstate_snapshot_corruptions_total",
			Help: "Snapshots whose stored checksum did not match their contents.",
		}),
		SnapshotsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "planstate_snapshots_pruned_total",
			Help: "Superseded snapshots removed after the retention window.",
		}),
		EventsAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "planstate_events_appended_total",
			Help: "Events appended to the event store.",
		}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "planstate_events_duplicate_total",
			Help: "Appends rejected as duplicates of an existing event id.",
		}),
		AppendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "planstate_append_retries_total",
			Help: "Append attempts retried after a transient or conflict error.",
		}),
		EntityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planstate_entity_failures_total",
			Help: "Entities that failed materialization, by error code.",
		}, []string{"code"}),
		RuleViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planstate_rule_violations_total",
			Help: "Validation violations by rule and severity.",
		}, []string{"rule", "severity"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planstate_runs_total",
			Help: "Materialization runs by final status.",
		}, []string{"status"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planstate_query_duration_seconds",
			Help:    "State query latency by resolution path.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"path"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planstate_operation_duration_seconds",
			Help:    "Service operation latency by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
}

// Observe implements MetricsRecorder on top of the operation histogram.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}
