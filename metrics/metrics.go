// Package metrics defines the Prometheus collectors shared across the
// telemetry and incident-response subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_ingested_total",
			Help: "Total number of security events accepted into the aggregation buffer",
		},
		[]string{"severity"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_dropped_total",
			Help: "Total number of security events dropped at ingestion",
		},
		[]string{"reason"}, // irrelevant, buffer_full
	)

	EventsShed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_events_shed_total",
			Help: "Total number of buffered events discarded under memory pressure",
		},
	)

	BufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_event_buffer_size",
			Help: "Current number of events awaiting aggregation",
		},
	)

	SnapshotsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_snapshots_created_total",
			Help: "Total number of metrics snapshots produced",
		},
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_aggregation_duration_seconds",
			Help:    "Time taken to reduce the event buffer into a snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_anomalies_detected_total",
			Help: "Total number of anomalies flagged by the detector",
		},
		[]string{"kind", "severity"},
	)

	IntegrityViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_integrity_violations_total",
			Help: "Total number of integrity failures (artifact changes, record hash mismatches)",
		},
		[]string{"kind"}, // artifact, incident
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_incidents_created_total",
			Help: "Total number of incidents created",
		},
		[]string{"category", "severity"},
	)

	IncidentActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_incident_actions_total",
			Help: "Total number of actions appended to incidents",
		},
		[]string{"kind"},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rule_evaluations_total",
			Help: "Total number of rule-set evaluations by outcome",
		},
		[]string{"outcome"}, // allowed, denied, default
	)

	PredicateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_predicate_failures_total",
			Help: "Total number of rule predicates that failed to evaluate",
		},
	)

	RuleEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate the rule set against a context",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	DecisionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_decision_cache_hits_total",
			Help: "Rule decision cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_persistence_failures_total",
			Help: "Total number of transient persistence failures by record kind",
		},
		[]string{"kind"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"backend", "operation"},
	)

	MemoryPressureSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_memory_pressure_skips_total",
			Help: "Cycles degraded because the memory high-water mark was exceeded",
		},
		[]string{"component"}, // aggregator, detector
	)
)
