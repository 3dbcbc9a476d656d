package engine

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/relayd/internal/space"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// Snapshot is a consistent view of all data together with the vclock it
// corresponds to. It must be closed.
type Snapshot struct {
	snap   *pebble.Snapshot
	vclock vclock.VClock
}

// Snapshot captures the current data and vclock. No write can land between
// the two.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Snapshot{snap: e.db.NewSnapshot(), vclock: e.wal.VClock()}
}

// VClock is the vclock of the last change included in the snapshot.
func (s *Snapshot) VClock() vclock.VClock { return s.vclock }

// Rows calls fn with an INSERT row per stored tuple, ordered by space and
// key. The row is only valid for the call.
func (s *Snapshot) Rows(ctx context.Context, fn func(*xrow.Row) error) error {
	prefix := space.DataPrefix()
	iter, err := s.snap.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	var body []byte
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, key, okKey := space.ParseDataKey(iter.Key())
		if !okKey {
			continue
		}
		body = xrow.EncodeRequest(body[:0], xrow.Request{Space: id, Key: key, Value: iter.Value()})
		row := xrow.Row{Type: xrow.TypeInsert, Body: body}
		if err := fn(&row); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Snapshot) Close() error { return s.snap.Close() }
