package wal

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// Stream receives replayed transactions. Rows passed to Row are only valid
// for the duration of the call.
type Stream interface {
	BeginTx()
	Row(r *xrow.Row) error
	CommitTx() error
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// ForceRecovery logs and skips corrupt or missing entries instead of
	// failing.
	ForceRecovery bool
	Logger        log.Logger
}

// Reader is a cursor over the WAL positioned by vclock. It is not safe for
// concurrent use.
type Reader struct {
	w      *WAL
	opts   ReaderOptions
	logger log.Logger

	vclock       vclock.VClock
	nextSeq      uint64
	seg          uint64
	nextSegFirst uint64
	onClose      []func(signature int64)
}

// NewReader positions a reader at from: the next replayed row is the first
// one not covered by from. It starts in the newest segment whose start
// vclock is at or below from. If from predates every retained segment the
// reader fails with ErrGap, or starts at the oldest segment under
// ForceRecovery.
func (w *WAL) NewReader(from vclock.VClock, opts ReaderOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = w.logger
	}
	segs := w.Segments()
	idx := -1
	for i := len(segs) - 1; i >= 0; i-- {
		if o := vclock.Compare(segs[i].Start, from); o == vclock.Less || o == vclock.Equal {
			idx = i
			break
		}
	}
	if idx < 0 {
		if !opts.ForceRecovery {
			return nil, fmt.Errorf("%w: %s predates the oldest segment %s", ErrGap, from, segs[0].Start)
		}
		opts.Logger.Warn("requested vclock is not retained, starting at oldest segment",
			log.Str("vclock", from.String()), log.Str("oldest", segs[0].Start.String()))
		idx = 0
	}
	return &Reader{
		w:       w,
		opts:    opts,
		logger:  opts.Logger,
		vclock:  from,
		nextSeq: segs[idx].First,
		seg:     segs[idx].First,
	}, nil
}

// VClock returns the vclock of the last row the reader has passed.
func (r *Reader) VClock() vclock.VClock { return r.vclock }

// OnClose registers fn to run each time the reader finishes a segment and
// moves on to the next one. fn receives the reader's signature at that
// point; every row at or below it has been replayed.
func (r *Reader) OnClose(fn func(signature int64)) { r.onClose = append(r.onClose, fn) }

// Replay feeds every committed transaction after the reader's position to
// s. With a non-nil stop it ends once the reader vclock reaches stop and
// never passes rows beyond it.
func (r *Reader) Replay(ctx context.Context, stop *vclock.VClock, s Stream) error {
	last := r.w.LastSeq()
	if r.nextSeq > last || r.reached(stop) {
		return nil
	}
	iter, err := r.w.db.NewIter(&pebble.IterOptions{LowerBound: KeyEntry(r.nextSeq), UpperBound: KeyEntry(last + 1)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.reached(stop) {
			return nil
		}
		seq, _ := seqFromKey(prefixEntry, iter.Key())
		if seq != r.nextSeq {
			if err := r.gap(r.nextSeq, seq); err != nil {
				return err
			}
		}
		r.crossSegments(seq)
		r.nextSeq = seq + 1
		if err := r.replayEntry(seq, iter.Value(), stop, s); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if r.nextSeq <= last {
		// Entries between nextSeq and last were deleted underneath us.
		if err := r.gap(r.nextSeq, last+1); err != nil {
			return err
		}
		r.nextSeq = last + 1
	}
	return nil
}

func (r *Reader) reached(stop *vclock.VClock) bool {
	if stop == nil {
		return false
	}
	o := vclock.Compare(r.vclock, *stop)
	return o == vclock.Equal || o == vclock.Greater
}

func (r *Reader) gap(want, got uint64) error {
	if !r.opts.ForceRecovery {
		return fmt.Errorf("%w: expected seq %d, found %d", ErrGap, want, got)
	}
	r.logger.Warn("skipping missing wal entries", log.Uint64("from_seq", want), log.Uint64("to_seq", got-1))
	return nil
}

func (r *Reader) crossSegments(seq uint64) {
	for {
		if r.nextSegFirst == 0 {
			r.nextSegFirst = r.w.segmentAfter(r.seg)
		}
		if r.nextSegFirst == 0 || seq < r.nextSegFirst {
			return
		}
		sig := r.vclock.Sum()
		for _, fn := range r.onClose {
			fn(sig)
		}
		r.seg = r.nextSegFirst
		r.nextSegFirst = 0
	}
}

func (r *Reader) replayEntry(seq uint64, val []byte, stop *vclock.VClock, s Stream) error {
	_, payload, ok := DecodeRecord(val)
	if !ok {
		return r.corrupt(seq, errors.New("checksum mismatch"))
	}
	batch, err := xrow.DecodeBatch(payload)
	if err != nil {
		return r.corrupt(seq, err)
	}
	began := false
	for i := range batch.Rows {
		row := &batch.Rows[i]
		if row.LSN <= r.vclock.Get(row.ReplicaID) {
			continue
		}
		if stop != nil && row.LSN > stop.Get(row.ReplicaID) {
			continue
		}
		if !began {
			s.BeginTx()
			began = true
		}
		if err := r.vclock.Follow(row.ReplicaID, row.LSN); err != nil {
			return r.corrupt(seq, err)
		}
		if err := s.Row(row); err != nil {
			return err
		}
	}
	if began {
		return s.CommitTx()
	}
	return nil
}

func (r *Reader) corrupt(seq uint64, cause error) error {
	if !r.opts.ForceRecovery {
		return fmt.Errorf("%w: seq %d: %v", ErrCorrupt, seq, cause)
	}
	r.logger.Warn("skipping corrupt wal entry", log.Uint64("seq", seq), log.Err(cause))
	return nil
}

// segmentAfter returns the first seq of the segment following the one that
// starts at first, or 0 if that is the active segment.
func (w *WAL) segmentAfter(first uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.segments {
		if s.First > first {
			return s.First
		}
	}
	return 0
}
