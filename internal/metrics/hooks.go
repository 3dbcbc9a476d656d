package metrics

import (
	"time"

	"github.com/rzbill/relayd/pkg/vclock"
)

// StorageHook feeds Pebble wrapper observations into Prometheus.
type StorageHook struct{}

func (StorageHook) ObserveWrite(_ time.Duration, bytes int) {
	StorageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (StorageHook) ObserveRead(_ time.Duration, bytes int) {
	StorageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (StorageHook) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	StorageCommitDuration.Observe(elapsed.Seconds())
	StorageBytes.WithLabelValues("commit").Add(float64(bytes))
}

// CollectHook counts WAL segments removed by garbage collection.
type CollectHook struct{}

func (CollectHook) OnCollect(uint64, uint64, vclock.VClock) { WALSegmentsCollected.Inc() }
