package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "relayd"

var (
	// RelaysActive is the number of running relays partitioned by mode.
	RelaysActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "active",
		Help:      "Number of running relays partitioned by mode",
	}, []string{"mode"})

	// RelayRowsSent counts rows written to replicas.
	RelayRowsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "rows_sent_total",
		Help:      "Rows sent to replicas partitioned by mode",
	}, []string{"mode"})

	// RelayRowsFiltered counts rows dropped by self-origin suppression or
	// a row filter.
	RelayRowsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "rows_filtered_total",
		Help:      "Rows not sent partitioned by reason",
	}, []string{"reason"})

	// RelayBatchesSent counts transaction batches sent by subscribe relays.
	RelayBatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "batches_sent_total",
		Help:      "Transaction batches sent to subscribed replicas",
	})

	// RelayBatchBytes observes the row bytes per batch.
	RelayBatchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "batch_bytes",
		Help:      "Encoded row bytes per transaction batch",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	})

	// RelayStatusSent counts status messages pushed to the coordinator.
	RelayStatusSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "status_sent_total",
		Help:      "Status messages sent to the coordinator",
	})

	// RelayGCDropped counts GC advance messages dropped on a full channel.
	RelayGCDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "gc_dropped_total",
		Help:      "GC advance messages dropped because the channel was full",
	})

	// RelayErrors counts relay exits with an error partitioned by reason.
	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "errors_total",
		Help:      "Relay failures partitioned by reason",
	}, []string{"reason"})

	// ReplicaSignature is the last vclock signature acknowledged by each
	// replica as seen by the coordinator.
	ReplicaSignature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "replica_signature",
		Help:      "Last acknowledged vclock signature per replica",
	}, []string{"replica_id"})

	// WALSegmentsCollected counts segments removed by garbage collection.
	WALSegmentsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "segments_collected_total",
		Help:      "WAL segments deleted by garbage collection",
	})

	// StorageCommitDuration stores the Pebble batch commit latency.
	StorageCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "commit_duration_seconds",
		Help:      "Pebble batch commit latency",
	})

	// StorageBytes counts bytes read and written partitioned by op.
	StorageBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "bytes_total",
		Help:      "Bytes moved through the storage layer partitioned by op",
	}, []string{"op"})
)
