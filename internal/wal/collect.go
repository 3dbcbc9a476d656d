package wal

import (
	"context"

	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
)

// CollectHook is an optional callback invoked when Collect deletes a
// segment. Implementations may emit metrics or archive the range.
type CollectHook interface {
	OnCollect(firstSeq, lastSeq uint64, start vclock.VClock)
}

type noopCollect struct{}

func (noopCollect) OnCollect(uint64, uint64, vclock.VClock) {}

// Collect deletes every segment whose rows are all covered by signature:
// a segment goes when its successor starts at or below signature. The
// active segment is never deleted. It returns the number of segments
// removed.
func (w *WAL) Collect(ctx context.Context, signature int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for n+1 < len(w.segments) && w.segments[n+1].Start.Sum() <= signature {
		n++
	}
	if n == 0 {
		return 0, nil
	}

	b := w.db.NewBatch()
	defer b.Close()
	for i := 0; i < n; i++ {
		seg, next := w.segments[i], w.segments[i+1]
		if err := b.DeleteRange(KeyEntry(seg.First), KeyEntry(next.First), nil); err != nil {
			return 0, err
		}
		if err := b.Delete(KeySegment(seg.First), nil); err != nil {
			return 0, err
		}
	}
	if err := w.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		seg, next := w.segments[i], w.segments[i+1]
		w.opts.Collect.OnCollect(seg.First, next.First-1, seg.Start)
		w.logger.Info("segment collected",
			log.Uint64("first_seq", seg.First),
			log.Uint64("last_seq", next.First-1),
			log.Int64("signature", signature))
	}
	w.segments = append([]Segment(nil), w.segments[n:]...)
	return n, nil
}
