package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters, gauges and histograms for the ingest/confirmation pipeline.

var (
	// Ingest front door
	IngestNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "ingest",
		Name:      "notifications_total",
		Help:      "Total snapshot notifications received",
	}, []string{"source", "outcome"})

	IngestLastOrdinal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metagraph",
		Subsystem: "ingest",
		Name:      "last_ordinal",
		Help:      "Highest ML0 snapshot ordinal indexed locally",
	})

	IngestWorkordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "ingest",
		Name:      "workorders_total",
		Help:      "Indexing workorders processed, by result",
	}, []string{"result"})

	IngestWorkorderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "metagraph",
		Subsystem: "ingest",
		Name:      "workorder_duration_seconds",
		Help:      "Full-state fetch and extraction duration per workorder",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metagraph",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Indexing workorders waiting in the queue",
	})

	// Confirmation poller
	ConfirmTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "confirm",
		Name:      "ticks_total",
		Help:      "Total confirmation poller ticks",
	})

	ConfirmTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "confirm",
		Name:      "tick_errors_total",
		Help:      "Confirmation poller ticks aborted by an error",
	})

	ConfirmTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "metagraph",
		Subsystem: "confirm",
		Name:      "tick_duration_seconds",
		Help:      "Confirmation poller tick duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	ConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "confirm",
		Name:      "snapshots_total",
		Help:      "Snapshots promoted to CONFIRMED, by match kind",
	}, []string{"match"})

	OrphanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "confirm",
		Name:      "orphaned_total",
		Help:      "PENDING snapshots demoted to ORPHANED by the sweep",
	})

	ConfirmLastGL0Ordinal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metagraph",
		Subsystem: "confirm",
		Name:      "last_gl0_ordinal",
		Help:      "Highest global ledger ordinal processed by the poller",
	})

	// Fallback poller
	FallbackPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "fallback",
		Name:      "polls_total",
		Help:      "Fallback poller runs, by outcome",
	}, []string{"outcome"})

	// Sequence cache
	SeqCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "seqcache",
		Name:      "hits_total",
		Help:      "Resolve calls where the cached value won over the authority",
	})

	SeqCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "seqcache",
		Name:      "misses_total",
		Help:      "Resolve calls answered from the authority value alone",
	})

	SeqCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "seqcache",
		Name:      "evictions_total",
		Help:      "Entries evicted by capacity pressure",
	})

	SeqCacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "seqcache",
		Name:      "resets_total",
		Help:      "Entries dropped after a submission failure",
	})

	SeqCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metagraph",
		Subsystem: "seqcache",
		Name:      "entries",
		Help:      "Current number of cached entity sequence entries",
	})

	// Outbound node clients
	NodeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "node",
		Name:      "calls_total",
		Help:      "Outbound node HTTP calls, by layer, method and status",
	}, []string{"layer", "method", "status"})

	NodeCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metagraph",
		Subsystem: "node",
		Name:      "call_duration_seconds",
		Help:      "Outbound node HTTP call duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"layer", "method"})

	NodeRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "node",
		Name:      "rate_limit_waits_total",
		Help:      "Outbound calls delayed by the client rate limiter",
	}, []string{"layer"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Alerts sent, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metagraph",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})
)
