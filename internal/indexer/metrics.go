package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts indexing cycles.
	// Labels: outcome (success, partial_failure, skipped)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "indexer",
			Name:      "cycles_total",
			Help:      "Total number of indexing cycles by outcome",
		},
		[]string{"outcome"},
	)

	// CycleDuration tracks how long a cycle takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recall",
			Subsystem: "indexer",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of indexing cycles in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// RecordsTotal counts messages by what the indexer did with them.
	// Labels: action (indexed, skipped, deleted)
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "indexer",
			Name:      "records_total",
			Help:      "Total number of messages processed by action",
		},
		[]string{"action"},
	)

	// SecretsRedactedTotal counts messages that had credentials removed.
	SecretsRedactedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recall",
			Subsystem: "indexer",
			Name:      "secrets_redacted_total",
			Help:      "Total number of messages with redacted secrets",
		},
	)

	// CheckpointTimestamp is each scope's checkpoint as unix seconds.
	CheckpointTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "recall",
			Subsystem: "indexer",
			Name:      "checkpoint_timestamp_seconds",
			Help:      "Checkpoint of each scope as a unix timestamp",
		},
		[]string{"scope"},
	)
)
