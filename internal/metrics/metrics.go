package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "writer_queue_depth",
		Help: "Tasks waiting in the persistence queue",
	})
	WriterDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "writer_dropped_total",
		Help: "Normal-priority tasks rejected because the queue was full",
	})
	WriterCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "writer_committed_total",
		Help: "Tasks committed, partitioned by commit mode",
	}, []string{"mode"}) // batch/single
	WriterFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "writer_failed_total",
		Help: "Tasks that failed even when committed individually",
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "Breaker state per dependency (0 closed, 1 half-open, 2 open)",
	}, []string{"dependency"})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_transitions_total",
		Help: "Breaker state transitions",
	}, []string{"dependency", "to"})

	StreamConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_connected",
		Help: "1 while the websocket feed is connected",
	}, []string{"source"})
	StreamReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_reconnects_total",
		Help: "Websocket reconnect attempts",
	}, []string{"source"})
	StreamGapRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_gap_recoveries_total",
		Help: "Gap backfills issued after an outage",
	}, []string{"source"})
	StreamParseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_parse_errors_total",
		Help: "Messages skipped because they could not be parsed",
	}, []string{"source"})

	ListingSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_signals_total",
		Help: "Listing signals detected",
	}, []string{"venue", "origin"})
	EventSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_signals_total",
		Help: "Non-listing announcement events detected",
	}, []string{"venue", "category"})

	GateVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_verdicts_total",
		Help: "Gate results by severity and outcome",
	}, []string{"severity", "proceed"})
	GateDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gate_duration_seconds",
		Help:    "Gate analysis latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_total",
		Help: "Notification outcomes by severity",
	}, []string{"severity", "outcome"}) // delivered/debounced/batched/logged/failed

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Always 1, labelled with the running build",
	}, []string{"version", "commit"})

	RollupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_rollups_total",
		Help: "Minute rollups by trigger",
	}, []string{"trigger"}) // tick/heal/flush/backfill
)
