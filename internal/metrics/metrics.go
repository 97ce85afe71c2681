// Package metrics provides Prometheus instrumentation for the Kestrel pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Registry holds every Kestrel collector. It is separate from the default
// registry so tests can scrape it without global side effects.
var Registry = prometheus.NewRegistry()

var (
	// TransactionsIngested counts records accepted into the pipeline by source.
	TransactionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Transactions accepted into the pipeline by source.",
		},
		[]string{"source"},
	)

	// TransactionsDropped counts records skipped by reason.
	TransactionsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_dropped_total",
			Help:      "Transactions skipped by reason (invalid, enrich_error, evaluate_error).",
		},
		[]string{"reason"},
	)

	// Evaluations counts rule engine evaluations by mode.
	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Rule evaluations by mode.",
		},
		[]string{"mode"},
	)

	// EvaluationFallbacks counts degraded evaluations by reason.
	EvaluationFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_fallbacks_total",
			Help:      "Evaluations scored by a fallback path, by reason.",
		},
		[]string{"reason"},
	)

	// EvaluationDuration observes evaluation latency by mode.
	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Rule evaluation latency in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"mode"},
	)

	// ActiveSessions tracks open full-evaluation sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently open rule evaluation sessions.",
		},
	)

	// RuleSetInfo exposes the active rule set version and rule count.
	RuleSetInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_set_rules",
			Help:      "Number of rules in the active rule set, labelled by version.",
		},
		[]string{"version"},
	)

	// RuleReloads counts reload attempts by result.
	RuleReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule set reload attempts by result.",
		},
		[]string{"result"},
	)

	// LaneAssignments counts routed transactions by lane.
	LaneAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_assignments_total",
			Help:      "Transactions routed by primary lane.",
		},
		[]string{"lane"},
	)

	// Detections counts window detections by pattern.
	Detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Pattern detections emitted at window close.",
		},
		[]string{"pattern"},
	)

	// LateEvents counts events dropped for arriving after their window closed.
	LateEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_events_total",
			Help:      "Events dropped as later than the grace period, by detector.",
		},
		[]string{"pattern"},
	)

	// OpenWindows tracks windows currently accumulating.
	OpenWindows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_windows",
			Help:      "Aggregation windows currently held in memory.",
		},
	)

	// SinkDeliveries counts outbound deliveries by sink and result.
	SinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Outbound deliveries by sink and result (ok, error, dropped).",
		},
		[]string{"sink", "result"},
	)

	// Decisions counts decision outcomes by action.
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Assessment decisions by action.",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TransactionsIngested,
		TransactionsDropped,
		Evaluations,
		EvaluationFallbacks,
		EvaluationDuration,
		ActiveSessions,
		RuleSetInfo,
		RuleReloads,
		LaneAssignments,
		Detections,
		LateEvents,
		OpenWindows,
		SinkDeliveries,
		Decisions,
	)
}

// Handler serves the Kestrel registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// SetRuleSet replaces the rule set info series with the given version.
func SetRuleSet(version string, rules int) {
	RuleSetInfo.Reset()
	RuleSetInfo.WithLabelValues(version).Set(float64(rules))
}
