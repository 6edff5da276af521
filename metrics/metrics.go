package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_events_evaluated_total",
			Help: "Total number of rule evaluations performed",
		},
		[]string{"mode"},
	)

	HitsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_hits_total",
			Help: "Total number of alert hits generated",
		},
		[]string{"mode"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitewatch_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one rule against one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplayRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_replay_runs_total",
			Help: "Total number of replay runs by final status",
		},
		[]string{"status"},
	)

	DryRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitewatch_dry_runs_total",
			Help: "Total number of dry-run simulations",
		},
	)

	SequenceStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitewatch_sequence_states",
			Help: "Number of pending sequence states held in memory",
		},
	)

	FrequencyEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitewatch_frequency_entries",
			Help: "Number of (rule, site) frequency windows held in memory",
		},
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sitewatch_notification_failures_total",
			Help: "Total number of notification requests dropped after retry exhaustion",
		},
	)
)
