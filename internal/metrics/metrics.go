package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesRead tracks feed pages successfully ingested per source
	PagesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmirror_pages_read_total",
			Help: "Total number of feed pages ingested",
		},
		[]string{"source"},
	)

	// ItemsWritten tracks cached items written per source
	ItemsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmirror_items_written_total",
			Help: "Total number of items written to the cache store",
		},
		[]string{"source"},
	)

	// PollErrors tracks classified poll failures per category
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmirror_poll_errors_total",
			Help: "Total number of classified poll failures",
		},
		[]string{"source", "category"},
	)

	// DeadLetters tracks feeds moved to the dead-letter path
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmirror_dead_letters_total",
			Help: "Total number of messages dead-lettered",
		},
		[]string{"source"},
	)

	// PurgedItems tracks cached items deleted by the purge worker
	PurgedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmirror_purged_items_total",
			Help: "Total number of cached items purged",
		},
		[]string{"source"},
	)

	// Registrations tracks feeds promoted into the poll cycle
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedmirror_registrations_total",
			Help: "Total number of successful feed registrations",
		},
		[]string{"source"},
	)

	// ResyncOrphans tracks feeds re-launched by the reconciler
	ResyncOrphans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedmirror_resync_orphans_total",
			Help: "Total number of orphaned feeds re-injected by the reconciler",
		},
	)

	// PrunedTombstones tracks expired deleted-item rows removed
	PrunedTombstones = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedmirror_pruned_tombstones_total",
			Help: "Total number of expired deleted-item rows pruned",
		},
	)

	// FetchLatency tracks origin page fetch latency
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedmirror_fetch_latency_seconds",
			Help:    "Origin page fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)
