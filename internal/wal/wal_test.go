package wal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

func openTestDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func newTestWAL(t *testing.T, opts Options) (*WAL, *pebblestore.DB) {
	t.Helper()
	db := openTestDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	w, err := Open(db, opts)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w, db
}

func row(replica uint32, lsn int64) xrow.Row {
	body := xrow.EncodeRequest(nil, xrow.Request{Space: 1, Key: []byte(fmt.Sprintf("k%d", lsn)), Value: []byte("v")})
	return xrow.Row{Type: xrow.TypeReplace, ReplicaID: replica, LSN: lsn, Body: body}
}

func mustWrite(t *testing.T, w *WAL, rows ...xrow.Row) {
	t.Helper()
	if _, err := w.Write(context.Background(), rows, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// collector is a Stream recording transactions.
type collector struct {
	txs  [][]int64
	cur  []int64
	open bool
}

func (c *collector) BeginTx() { c.cur = nil; c.open = true }
func (c *collector) Row(r *xrow.Row) error {
	c.cur = append(c.cur, r.LSN)
	return nil
}
func (c *collector) CommitTx() error {
	c.txs = append(c.txs, c.cur)
	c.open = false
	return nil
}

func TestWriteAdvancesVClock(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	mustWrite(t, w, row(1, 1), row(1, 2))
	mustWrite(t, w, row(2, 1))
	if got := w.VClock(); !got.Equal(vclock.New(1, 2, 2, 1)) {
		t.Fatalf("vclock: %s", got)
	}
	if _, err := w.Write(context.Background(), []xrow.Row{row(1, 2)}, nil); !errors.Is(err, ErrLSNOrder) {
		t.Fatalf("expected ErrLSNOrder, got %v", err)
	}
	if _, err := w.Write(context.Background(), nil, nil); !errors.Is(err, ErrEmptyTx) {
		t.Fatalf("expected ErrEmptyTx, got %v", err)
	}
}

func TestWriteAppliesMutationAtomically(t *testing.T) {
	w, db := newTestWAL(t, Options{})
	boom := errors.New("boom")
	_, err := w.Write(context.Background(), []xrow.Row{row(1, 1)}, func(b *pebble.Batch) error {
		_ = b.Set([]byte("data/a"), []byte("1"), nil)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	if _, err := db.Get([]byte("data/a")); !errors.Is(err, pebblestore.ErrNotFound) {
		t.Fatalf("failed tx must not leave data, got %v", err)
	}
	if w.LastSeq() != 0 || !w.VClock().IsZero() {
		t.Fatalf("failed tx advanced state: seq %d vclock %s", w.LastSeq(), w.VClock())
	}
}

func TestReplayFromVClock(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	mustWrite(t, w, row(1, 1), row(1, 2))
	mustWrite(t, w, row(1, 3))
	mustWrite(t, w, row(2, 1), row(1, 4))

	r, err := w.NewReader(vclock.New(1, 2), ReaderOptions{})
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	var c collector
	if err := r.Replay(context.Background(), nil, &c); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(c.txs) != 2 || len(c.txs[0]) != 1 || c.txs[0][0] != 3 || len(c.txs[1]) != 2 {
		t.Fatalf("unexpected transactions: %v", c.txs)
	}
	if !r.VClock().Equal(vclock.New(1, 4, 2, 1)) {
		t.Fatalf("reader vclock: %s", r.VClock())
	}

	// Nothing new: replay is a no-op; then new rows are picked up.
	c = collector{}
	if err := r.Replay(context.Background(), nil, &c); err != nil || len(c.txs) != 0 {
		t.Fatalf("idle replay: %v %v", c.txs, err)
	}
	mustWrite(t, w, row(1, 5))
	if err := r.Replay(context.Background(), nil, &c); err != nil || len(c.txs) != 1 {
		t.Fatalf("incremental replay: %v %v", c.txs, err)
	}
}

func TestReplayStopsAtStop(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	mustWrite(t, w, row(1, 1))
	mustWrite(t, w, row(1, 2))
	stop := w.VClock()
	mustWrite(t, w, row(1, 3))

	r, err := w.NewReader(vclock.VClock{}, ReaderOptions{})
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	var c collector
	if err := r.Replay(context.Background(), &stop, &c); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(c.txs) != 2 || !r.VClock().Equal(stop) {
		t.Fatalf("replay past stop: %v vclock %s", c.txs, r.VClock())
	}
}

func TestRotationAndOnClose(t *testing.T) {
	w, _ := newTestWAL(t, Options{SegmentMaxBytes: 1})
	mustWrite(t, w, row(1, 1))
	mustWrite(t, w, row(1, 2)) // rotates: segment 2 starts at {1: 1}
	mustWrite(t, w, row(1, 3)) // rotates: segment 3 starts at {1: 2}
	if n := len(w.Segments()); n != 3 {
		t.Fatalf("segments: %d", n)
	}

	r, err := w.NewReader(vclock.VClock{}, ReaderOptions{})
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	var closed []int64
	r.OnClose(func(sig int64) { closed = append(closed, sig) })
	var c collector
	if err := r.Replay(context.Background(), nil, &c); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(closed) != 2 || closed[0] != 1 || closed[1] != 2 {
		t.Fatalf("on close signatures: %v", closed)
	}
}

func TestWatcherCoalesces(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	wt := w.Watch()
	defer wt.Close()

	select {
	case <-wt.C():
	default:
		t.Fatalf("new watcher must start signalled")
	}
	if ev := wt.Events(); ev != EventWrite|EventRotate {
		t.Fatalf("initial events: %b", ev)
	}

	mustWrite(t, w, row(1, 1))
	mustWrite(t, w, row(1, 2))
	select {
	case <-wt.C():
	case <-time.After(time.Second):
		t.Fatalf("watcher not signalled")
	}
	if ev := wt.Events(); ev != EventWrite {
		t.Fatalf("events: %b", ev)
	}
	if err := w.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	<-wt.C()
	if ev := wt.Events(); ev&EventRotate == 0 {
		t.Fatalf("expected rotate event, got %b", ev)
	}
}

type collectRecorder struct{ ranges [][2]uint64 }

func (c *collectRecorder) OnCollect(first, last uint64, _ vclock.VClock) {
	c.ranges = append(c.ranges, [2]uint64{first, last})
}

func TestCollectKeepsActiveAndUncovered(t *testing.T) {
	hook := &collectRecorder{}
	w, _ := newTestWAL(t, Options{Collect: hook})
	ctx := context.Background()
	mustWrite(t, w, row(1, 1))
	mustWrite(t, w, row(1, 2))
	_ = w.Rotate(ctx) // segment 2 starts at sum 2
	mustWrite(t, w, row(1, 3))
	_ = w.Rotate(ctx) // segment 3 starts at sum 3
	mustWrite(t, w, row(1, 4))

	if n, err := w.Collect(ctx, 1); err != nil || n != 0 {
		t.Fatalf("collect(1): %d %v", n, err)
	}
	if n, err := w.Collect(ctx, 2); err != nil || n != 1 {
		t.Fatalf("collect(2): %d %v", n, err)
	}
	if n, err := w.Collect(ctx, 100); err != nil || n != 1 {
		t.Fatalf("collect(100): %d %v", n, err)
	}
	if segs := w.Segments(); len(segs) != 1 || segs[0].First != 4 {
		t.Fatalf("active segment must survive: %+v", segs)
	}
	if len(hook.ranges) != 2 || hook.ranges[0] != [2]uint64{1, 2} || hook.ranges[1] != [2]uint64{3, 3} {
		t.Fatalf("collect ranges: %v", hook.ranges)
	}

	if _, err := w.NewReader(vclock.VClock{}, ReaderOptions{}); !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap for collected position, got %v", err)
	}
	r, err := w.NewReader(vclock.VClock{}, ReaderOptions{ForceRecovery: true})
	if err != nil {
		t.Fatalf("force reader: %v", err)
	}
	var c collector
	if err := r.Replay(ctx, nil, &c); err != nil || len(c.txs) != 1 || c.txs[0][0] != 4 {
		t.Fatalf("force replay: %v %v", c.txs, err)
	}
}

func TestCorruptEntry(t *testing.T) {
	w, db := newTestWAL(t, Options{})
	mustWrite(t, w, row(1, 1))
	mustWrite(t, w, row(1, 2))
	if err := db.Set(KeyEntry(1), []byte("garbage-bytes")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	r, _ := w.NewReader(vclock.VClock{}, ReaderOptions{})
	if err := r.Replay(context.Background(), nil, &collector{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}

	r, _ = w.NewReader(vclock.VClock{}, ReaderOptions{ForceRecovery: true})
	var c collector
	if err := r.Replay(context.Background(), nil, &c); err != nil {
		t.Fatalf("force replay: %v", err)
	}
	if len(c.txs) != 1 || c.txs[0][0] != 2 {
		t.Fatalf("expected only the intact entry, got %v", c.txs)
	}
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	w, err := Open(db, Options{SegmentMaxBytes: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustWrite(t, w, row(1, 1))
	mustWrite(t, w, row(1, 2), row(3, 1))
	_ = db.Close()

	db = openTestDB(t, dir)
	defer db.Close()
	w, err = Open(db, Options{SegmentMaxBytes: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if w.LastSeq() != 2 || !w.VClock().Equal(vclock.New(1, 2, 3, 1)) || len(w.Segments()) != 2 {
		t.Fatalf("recovered seq %d vclock %s segments %d", w.LastSeq(), w.VClock(), len(w.Segments()))
	}
	entries, err := w.Entries(1, 0)
	if err != nil || len(entries) != 2 || len(entries[1].Rows) != 2 {
		t.Fatalf("entries: %+v %v", entries, err)
	}
}

func TestRecordCRC(t *testing.T) {
	rec := EncodeRecord([]byte("h"), []byte("payload"))
	h, p, ok := DecodeRecord(rec)
	if !ok || string(h) != "h" || string(p) != "payload" {
		t.Fatalf("decode: %q %q %v", h, p, ok)
	}
	rec[len(rec)-1] ^= 0xFF
	if _, _, ok := DecodeRecord(rec); ok {
		t.Fatalf("expected crc failure")
	}
}
