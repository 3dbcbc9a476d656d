package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

var (
	// ErrCorrupt is returned when an entry fails its checksum or cannot be
	// decoded.
	ErrCorrupt = errors.New("wal: corrupt entry")
	// ErrGap is returned when the requested position is no longer retained
	// or entries are missing.
	ErrGap = errors.New("wal: missing entries")
	// ErrLSNOrder is returned when a write would move a vclock component
	// backwards or leave it unchanged.
	ErrLSNOrder = errors.New("wal: row lsn not increasing")
	ErrEmptyTx  = errors.New("wal: empty transaction")
)

// DefaultSegmentMaxBytes is used when Options.SegmentMaxBytes is zero.
const DefaultSegmentMaxBytes = 64 << 20

// Options configures a WAL.
type Options struct {
	// SegmentMaxBytes rotates the active segment once it holds at least this
	// many bytes.
	SegmentMaxBytes int64
	Logger          log.Logger
	// Collect observes segments removed by Collect. Optional.
	Collect CollectHook
}

// Segment describes a retained WAL segment.
type Segment struct {
	First uint64
	Start vclock.VClock
}

// WAL is a segmented write-ahead log stored in Pebble. Each committed
// transaction is one entry; segments group consecutive entries and record
// the vclock at which they start, which lets readers position themselves
// and lets garbage collection drop whole segments.
type WAL struct {
	db     *pebblestore.DB
	opts   Options
	logger log.Logger

	mu       sync.Mutex
	lastSeq  uint64
	vclock   vclock.VClock
	segments []Segment
	segBytes int64
	watchers map[*Watcher]struct{}
}

// Open loads the WAL state from db, creating the first segment if needed.
func Open(db *pebblestore.DB, opts Options) (*WAL, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Collect == nil {
		opts.Collect = noopCollect{}
	}
	w := &WAL{
		db:       db,
		opts:     opts,
		logger:   opts.Logger.WithComponent("wal"),
		watchers: make(map[*Watcher]struct{}),
	}

	if meta, err := db.Get(keyMeta); err == nil && len(meta) >= 8 {
		w.lastSeq = binary.BigEndian.Uint64(meta[:8])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}

	if err := w.loadSegments(); err != nil {
		return nil, err
	}
	if len(w.segments) == 0 {
		seg := Segment{First: w.lastSeq + 1}
		if err := db.Set(KeySegment(seg.First), xrow.EncodeVClock(nil, 0, seg.Start)); err != nil {
			return nil, err
		}
		w.segments = append(w.segments, seg)
	}
	if err := w.recoverActive(); err != nil {
		return nil, err
	}
	w.logger.Info("wal opened",
		log.Uint64("last_seq", w.lastSeq),
		log.Int("segments", len(w.segments)),
		log.Str("vclock", w.vclock.String()))
	return w, nil
}

func (w *WAL) loadSegments() error {
	iter, err := w.db.NewIter(&pebble.IterOptions{LowerBound: prefixSegment, UpperBound: pebblestore.PrefixEnd(prefixSegment)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		first, okKey := seqFromKey(prefixSegment, iter.Key())
		if !okKey {
			continue
		}
		start, err := xrow.DecodeVClock(iter.Value())
		if err != nil {
			return fmt.Errorf("%w: segment %d: %v", ErrCorrupt, first, err)
		}
		w.segments = append(w.segments, Segment{First: first, Start: start})
	}
	return iter.Error()
}

// recoverActive rebuilds the in-memory vclock and segment size by scanning
// the active segment.
func (w *WAL) recoverActive() error {
	active := w.segments[len(w.segments)-1]
	w.vclock = active.Start
	iter, err := w.db.NewIter(&pebble.IterOptions{LowerBound: KeyEntry(active.First), UpperBound: pebblestore.PrefixEnd(prefixEntry)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		w.segBytes += int64(len(iter.Value()))
		_, payload, okRec := DecodeRecord(iter.Value())
		if !okRec {
			seq, _ := seqFromKey(prefixEntry, iter.Key())
			return fmt.Errorf("%w: seq %d", ErrCorrupt, seq)
		}
		batch, err := xrow.DecodeBatch(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		for _, r := range batch.Rows {
			if r.LSN > w.vclock.Get(r.ReplicaID) {
				_ = w.vclock.Follow(r.ReplicaID, r.LSN)
			}
		}
	}
	return iter.Error()
}

// VClock returns a copy of the vclock after the last committed write.
func (w *WAL) VClock() vclock.VClock {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.vclock
}

// LastSeq returns the sequence of the last committed entry.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Segments returns the retained segments, oldest first.
func (w *WAL) Segments() []Segment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Segment(nil), w.segments...)
}

// Write commits rows as one transaction together with any mutations applied
// by mutate, in a single Pebble batch. Every row must advance its replica's
// vclock component. It returns the entry sequence.
func (w *WAL) Write(ctx context.Context, rows []xrow.Row, mutate func(*pebble.Batch) error) (uint64, error) {
	if len(rows) == 0 {
		return 0, ErrEmptyTx
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.vclock
	bsize := 0
	for i := range rows {
		r := &rows[i]
		if !r.Type.IsDML() {
			return 0, fmt.Errorf("wal: row %d has type %s", i, r.Type)
		}
		if r.LSN <= next.Get(r.ReplicaID) {
			return 0, fmt.Errorf("%w: replica %d at %d, row lsn %d", ErrLSNOrder, r.ReplicaID, next.Get(r.ReplicaID), r.LSN)
		}
		if err := next.Follow(r.ReplicaID, r.LSN); err != nil {
			return 0, err
		}
		bsize += r.Size()
	}

	b := w.db.NewBatch()
	defer b.Close()

	var events Event = EventWrite
	rotated := false
	var newSeg Segment
	if w.segBytes >= w.opts.SegmentMaxBytes {
		newSeg = Segment{First: w.lastSeq + 1, Start: w.vclock}
		if err := b.Set(KeySegment(newSeg.First), xrow.EncodeVClock(nil, 0, newSeg.Start), nil); err != nil {
			return 0, err
		}
		rotated = true
		events |= EventRotate
	}

	seq := w.lastSeq + 1
	header := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixMilli()))
	val := EncodeRecord(header, xrow.EncodeBatch(nil, 0, rows, bsize))
	if err := b.Set(KeyEntry(seq), val, nil); err != nil {
		return 0, err
	}
	if err := b.Set(keyMeta, appendBE8(nil, seq), nil); err != nil {
		return 0, err
	}
	if mutate != nil {
		if err := mutate(b); err != nil {
			return 0, err
		}
	}
	if err := w.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}

	if rotated {
		w.segments = append(w.segments, newSeg)
		w.segBytes = 0
		w.logger.Info("segment rotated", log.Uint64("first_seq", newSeg.First), log.Str("vclock", newSeg.Start.String()))
	}
	w.lastSeq = seq
	w.vclock = next
	w.segBytes += int64(len(val))
	w.notifyLocked(events)
	return seq, nil
}

// Rotate closes the active segment so the next write starts a new one. It
// is a no-op when the active segment is empty.
func (w *WAL) Rotate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	active := w.segments[len(w.segments)-1]
	if w.lastSeq < active.First {
		return nil
	}
	seg := Segment{First: w.lastSeq + 1, Start: w.vclock}
	b := w.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeySegment(seg.First), xrow.EncodeVClock(nil, 0, seg.Start), nil); err != nil {
		return err
	}
	if err := w.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	w.segments = append(w.segments, seg)
	w.segBytes = 0
	w.logger.Info("segment rotated", log.Uint64("first_seq", seg.First), log.Str("vclock", seg.Start.String()))
	w.notifyLocked(EventRotate)
	return nil
}

// Checkpoint starts a new segment at v without writing rows. v must not be
// behind the current vclock. A replica uses it to adopt the vclock of the
// snapshot it joined from.
func (w *WAL) Checkpoint(ctx context.Context, v vclock.VClock) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if o := vclock.Compare(v, w.vclock); o == vclock.Less || o == vclock.Incomparable {
		return fmt.Errorf("%w: checkpoint %s behind %s", ErrLSNOrder, v, w.vclock)
	}
	seg := Segment{First: w.lastSeq + 1, Start: v}
	b := w.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeySegment(seg.First), xrow.EncodeVClock(nil, 0, seg.Start), nil); err != nil {
		return err
	}
	if err := w.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	if active := &w.segments[len(w.segments)-1]; active.First == seg.First {
		active.Start = v
	} else {
		w.segments = append(w.segments, seg)
	}
	w.vclock = v
	w.segBytes = 0
	w.notifyLocked(EventRotate)
	return nil
}

// Entry is one decoded transaction, as returned by Entries.
type Entry struct {
	Seq       uint64
	Timestamp time.Time
	Rows      []xrow.Row
}

// Entries returns up to limit decoded entries starting at seq from
// (inclusive). Rows are copied. A zero limit means no limit.
func (w *WAL) Entries(from uint64, limit int) ([]Entry, error) {
	iter, err := w.db.NewIter(&pebble.IterOptions{LowerBound: KeyEntry(from), UpperBound: pebblestore.PrefixEnd(prefixEntry)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Entry
	for ok := iter.First(); ok && (limit == 0 || len(out) < limit); ok = iter.Next() {
		seq, _ := seqFromKey(prefixEntry, iter.Key())
		header, payload, okRec := DecodeRecord(iter.Value())
		if !okRec || len(header) < 8 {
			return out, fmt.Errorf("%w: seq %d", ErrCorrupt, seq)
		}
		batch, err := xrow.DecodeBatch(payload)
		if err != nil {
			return out, fmt.Errorf("%w: seq %d: %v", ErrCorrupt, seq, err)
		}
		e := Entry{Seq: seq, Timestamp: time.UnixMilli(int64(binary.BigEndian.Uint64(header)))}
		for i := range batch.Rows {
			e.Rows = append(e.Rows, batch.Rows[i].Copy())
		}
		out = append(out, e)
	}
	return out, iter.Error()
}
