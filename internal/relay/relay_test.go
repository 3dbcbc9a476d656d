package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// fakeConn records sent frames and serves queued inbound frames.
type fakeConn struct {
	sent chan []byte
	in   chan []byte

	mu      sync.Mutex
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan []byte, 4096), in: make(chan []byte, 64)}
}

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case c.sent <- append([]byte(nil), frame...):
	default:
	}
	return nil
}

func (c *fakeConn) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-expire:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// nextFrame returns the next sent frame of type want, skipping others.
func (c *fakeConn) nextFrame(t *testing.T, want xrow.Type) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-c.sent:
			h, err := xrow.PeekHeader(f)
			if err != nil {
				t.Fatalf("sent frame: %v", err)
			}
			if h.Type == want {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame sent", want)
			return nil
		}
	}
}

func (c *fakeConn) noFrame(t *testing.T, unwanted xrow.Type, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case f := <-c.sent:
			if h, _ := xrow.PeekHeader(f); h.Type == unwanted {
				t.Fatalf("unexpected %s frame", unwanted)
			}
		case <-deadline:
			return
		}
	}
}

func newTestWAL(t *testing.T, opts wal.Options) *wal.WAL {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	w, err := wal.Open(db, opts)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w
}

func row(replica uint32, lsn int64, key string) xrow.Row {
	body := xrow.EncodeRequest(nil, xrow.Request{Space: 1, Key: []byte(key), Value: []byte("v")})
	return xrow.Row{Type: xrow.TypeReplace, ReplicaID: replica, LSN: lsn, Body: body}
}

func write(t *testing.T, w *wal.WAL, rows ...xrow.Row) {
	t.Helper()
	if _, err := w.Write(context.Background(), rows, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type origin struct {
	Replica uint32
	LSN     int64
}

func origins(rows []xrow.Row) []origin {
	out := make([]origin, 0, len(rows))
	for _, r := range rows {
		out = append(out, origin{r.ReplicaID, r.LSN})
	}
	return out
}

type subscription struct {
	relay  *Relay
	pipe   *Pipe
	cancel context.CancelFunc
	done   chan error

	once sync.Once
	err  error
}

func startSubscribe(t *testing.T, w *wal.WAL, conn Conn, peer Peer, opts Options) *subscription {
	t.Helper()
	r, err := New(conn, peer, opts)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	pipe := NewPipe(nil, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{relay: r, pipe: pipe, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- r.Subscribe(ctx, NewWALSource(w), pipe) }()
	t.Cleanup(func() {
		cancel()
		s.result(t)
		pipe.Close()
	})
	return s
}

// result waits for the relay to exit and returns its error.
func (s *subscription) result(t *testing.T) error {
	t.Helper()
	s.once.Do(func() {
		select {
		case s.err = <-s.done:
		case <-time.After(5 * time.Second):
			t.Errorf("relay did not exit")
		}
	})
	return s.err
}

func TestSubscribeBatchesOneFramePerTransaction(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	for lsn := int64(1); lsn <= 5; lsn++ {
		write(t, w, row(1, lsn, fmt.Sprint("old", lsn)))
	}
	conn := newFakeConn()
	startSubscribe(t, w, conn, Peer{ID: 2, Sync: 7, Version: xrow.Version, VClock: vclock.New(1, 5)},
		Options{Timeout: time.Minute})

	write(t, w, row(1, 6, "a"), row(2, 1, "echo"), row(1, 7, "b"))
	b, err := xrow.DecodeBatch(conn.nextFrame(t, xrow.TypeBatch))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if b.Sync != 7 || b.Count != 2 {
		t.Fatalf("batch header: sync %d count %d", b.Sync, b.Count)
	}
	if diff := cmp.Diff([]origin{{1, 6}, {1, 7}}, origins(b.Rows)); diff != "" {
		t.Fatalf("batch rows (-want +got):\n%s", diff)
	}
	if want := b.Rows[0].Size() + b.Rows[1].Size(); b.BSize != want {
		t.Fatalf("bsize %d, want %d", b.BSize, want)
	}

	// A transaction made only of the replica's own rows produces no frame.
	write(t, w, row(2, 2, "echo2"))
	conn.noFrame(t, xrow.TypeBatch, 50*time.Millisecond)
	write(t, w, row(1, 8, "c"))
	b, err = xrow.DecodeBatch(conn.nextFrame(t, xrow.TypeBatch))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if diff := cmp.Diff([]origin{{1, 8}}, origins(b.Rows)); diff != "" {
		t.Fatalf("batch rows (-want +got):\n%s", diff)
	}
}

func TestSubscribeCancelIsSuccess(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	s := startSubscribe(t, w, newFakeConn(), Peer{ID: 2, Version: xrow.Version}, Options{Timeout: time.Minute})
	s.cancel()
	if err := s.result(t); err != nil {
		t.Fatalf("cancelled relay returned %v", err)
	}
	if s.relay.State() != StateClosed {
		t.Fatalf("state %s", s.relay.State())
	}
}

func TestSubscribeHeartbeatTimeout(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version}, Options{Timeout: 20 * time.Millisecond})

	// The idle relay keeps the replica informed while it waits for acks.
	f := conn.nextFrame(t, xrow.TypeVClock)
	if _, err := xrow.DecodeVClock(f); err != nil {
		t.Fatalf("heartbeat frame: %v", err)
	}
	if err := s.result(t); !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("expected ErrHeartbeatTimeout, got %v", err)
	}
}

func TestSubscribeMalformedAck(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version}, Options{Timeout: time.Minute})
	conn.in <- []byte{0xff, 0xff, 0xff}
	err := s.result(t)
	if !errors.Is(err, ErrConnectionProtocol) {
		t.Fatalf("expected ErrConnectionProtocol, got %v", err)
	}
	if Reason(err) != "protocol" {
		t.Fatalf("reason %q", Reason(err))
	}
}

func TestSubscribeSendFailureIsRecorded(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	broken := errors.New("connection reset")
	conn.failSends(broken)
	write(t, w, row(1, 1, "a"))
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version}, Options{Timeout: time.Minute})
	err := s.result(t)
	if !errors.Is(err, broken) || errors.Is(err, ErrWALReplay) {
		t.Fatalf("expected the send error, got %v", err)
	}
}

func TestSubscribeGapIsReplayError(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	write(t, w, row(1, 1, "a"))
	if err := w.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	write(t, w, row(1, 2, "b"))
	if _, err := w.Collect(context.Background(), 1); err != nil {
		t.Fatalf("collect: %v", err)
	}
	s := startSubscribe(t, w, newFakeConn(), Peer{ID: 2, Version: xrow.Version}, Options{Timeout: time.Minute})
	err := s.result(t)
	if !errors.Is(err, ErrWALReplay) || !errors.Is(err, wal.ErrGap) {
		t.Fatalf("expected wal gap, got %v", err)
	}
}

func pollStatus(t *testing.T, p *Pipe) vclock.VClock {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := p.PollStatus(); ok {
			return m.VClock
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no status received")
	return vclock.VClock{}
}

func noStatus(t *testing.T, p *Pipe, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if m, ok := p.PollStatus(); ok {
			t.Fatalf("unexpected status %s", m.VClock)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatusIsSingleFlightAndDeduplicated(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version},
		Options{Timeout: time.Minute, ReportInterval: 2 * time.Millisecond})

	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 1))
	if got := pollStatus(t, s.pipe); !got.Equal(vclock.New(1, 1)) {
		t.Fatalf("status %s", got)
	}

	// Not acknowledged yet: a newer ack must wait.
	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 2))
	noStatus(t, s.pipe, 50*time.Millisecond)

	s.pipe.Ack()
	if got := pollStatus(t, s.pipe); !got.Equal(vclock.New(1, 2)) {
		t.Fatalf("status %s", got)
	}

	// Same value again is not reported.
	s.pipe.Ack()
	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 2))
	noStatus(t, s.pipe, 50*time.Millisecond)

	// Nor is a regression.
	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 1))
	noStatus(t, s.pipe, 50*time.Millisecond)

	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 2, 3, 1))
	if got := pollStatus(t, s.pipe); !got.Equal(vclock.New(1, 2, 3, 1)) {
		t.Fatalf("status %s", got)
	}
}

func TestLegacyPeerReportsReplayPosition(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	for lsn := int64(1); lsn <= 3; lsn++ {
		write(t, w, row(1, lsn, fmt.Sprint("k", lsn)))
	}
	s := startSubscribe(t, w, newFakeConn(), Peer{ID: 2, Version: xrow.VersionID(1, 6, 9)},
		Options{Timeout: time.Minute, ReportInterval: 2 * time.Millisecond})
	if got := pollStatus(t, s.pipe); !got.Equal(vclock.New(1, 3)) {
		t.Fatalf("status %s", got)
	}
}

func TestSegmentCloseAdvancesGC(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	write(t, w, row(1, 1, "a"))
	if err := w.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	write(t, w, row(1, 2, "b"))

	conn := newFakeConn()
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version}, Options{Timeout: time.Minute})
	conn.nextFrame(t, xrow.TypeBatch)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if m, ok := s.pipe.PollGC(); ok {
			if m.Signature != 1 {
				t.Fatalf("gc signature %d, want 1", m.Signature)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no gc advance")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscribeFilter(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version},
		Options{Timeout: time.Minute, Filter: `key != "secret"`})
	write(t, w, row(1, 1, "secret"), row(1, 2, "public"))
	b, err := xrow.DecodeBatch(conn.nextFrame(t, xrow.TypeBatch))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]origin{{1, 2}}, origins(b.Rows)); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
}

func TestInvalidFilter(t *testing.T) {
	for _, expr := range []string{"lsn +", "lsn + 1"} {
		if _, err := New(newFakeConn(), Peer{}, Options{Filter: expr}); !errors.Is(err, ErrFilter) {
			t.Fatalf("%q: expected ErrFilter, got %v", expr, err)
		}
	}
}

func TestFinalJoinStreamsRowsToStop(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	write(t, w, row(1, 1, "a"), row(2, 1, "own"))
	write(t, w, row(1, 2, "b"))
	write(t, w, row(1, 3, "late"))

	conn := newFakeConn()
	r, err := New(conn, Peer{ID: 2, Sync: 3}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stop := vclock.New(1, 2, 2, 1)
	if err := r.FinalJoin(context.Background(), NewWALSource(w), vclock.VClock{}, stop); err != nil {
		t.Fatalf("final join: %v", err)
	}
	close(conn.sent)
	var got []origin
	for f := range conn.sent {
		row, err := xrow.DecodeRow(f)
		if err != nil {
			t.Fatalf("decode row: %v", err)
		}
		if row.Sync != 3 {
			t.Fatalf("sync %d", row.Sync)
		}
		got = append(got, origin{row.ReplicaID, row.LSN})
	}
	if diff := cmp.Diff([]origin{{1, 1}, {1, 2}}, got); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
	if r.State() != StateClosed || r.RowsSent() != 2 {
		t.Fatalf("state %s rows %d", r.State(), r.RowsSent())
	}
}

func TestFinalJoinStopNotReached(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	write(t, w, row(1, 1, "a"))
	r, err := New(newFakeConn(), Peer{ID: 2}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = r.FinalJoin(context.Background(), NewWALSource(w), vclock.VClock{}, vclock.New(1, 5))
	if !errors.Is(err, ErrStopNotReached) || !errors.Is(err, ErrWALReplay) {
		t.Fatalf("expected ErrStopNotReached, got %v", err)
	}
}

type sliceSnapshot []xrow.Row

func (s sliceSnapshot) Rows(ctx context.Context, fn func(*xrow.Row) error) error {
	for i := range s {
		if err := fn(&s[i]); err != nil {
			return err
		}
	}
	return nil
}

func TestInitialJoinSendsEveryRow(t *testing.T) {
	conn := newFakeConn()
	// Initial join never suppresses rows, whatever their origin.
	r, err := New(conn, Peer{ID: 2, Sync: 9}, Options{Filter: `false`})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snap := sliceSnapshot{row(0, 0, "a"), row(2, 0, "b"), row(0, 0, "c")}
	if err := r.InitialJoin(context.Background(), snap); err != nil {
		t.Fatalf("initial join: %v", err)
	}
	close(conn.sent)
	var keys []string
	for f := range conn.sent {
		row, err := xrow.DecodeRow(f)
		if err != nil || row.Sync != 9 {
			t.Fatalf("row: %+v %v", row, err)
		}
		req, err := xrow.DecodeRequest(row.Body)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		keys = append(keys, string(req.Key))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
}

func TestErrSlotFirstWriterWins(t *testing.T) {
	var s errSlot
	first, second := errors.New("first"), errors.New("second")
	if !s.set(first) {
		t.Fatalf("empty slot rejected error")
	}
	if s.set(second) {
		t.Fatalf("second error accepted")
	}
	if s.get() != first {
		t.Fatalf("slot holds %v", s.get())
	}
}

func TestConcurrentFailuresRecordOne(t *testing.T) {
	r, err := New(newFakeConn(), Peer{}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := []error{ErrHeartbeatTimeout, ErrConnectionProtocol, ErrWALReplay}
	var wg sync.WaitGroup
	for _, e := range errs {
		wg.Add(1)
		go func(e error) {
			defer wg.Done()
			r.fail(e, cancel)
		}(e)
	}
	wg.Wait()
	got := r.errs.get()
	found := false
	for _, e := range errs {
		found = found || got == e
	}
	if !found || ctx.Err() == nil {
		t.Fatalf("slot %v, ctx %v", got, ctx.Err())
	}
}

func TestPipeDropsGCOnOverflow(t *testing.T) {
	p := NewPipe(nil, 1, nil)
	defer p.Close()
	p.pushGC(GCMsg{Signature: 1})
	p.pushGC(GCMsg{Signature: 2})
	m, ok := p.PollGC()
	if !ok || m.Signature != 1 {
		t.Fatalf("first gc: %+v %v", m, ok)
	}
	if m, ok := p.PollGC(); ok {
		t.Fatalf("dropped advance delivered: %+v", m)
	}
	p.pushGC(GCMsg{Signature: 3})
	if m, ok := p.PollGC(); !ok || m.Signature != 3 {
		t.Fatalf("later gc: %+v %v", m, ok)
	}
}

func TestPipeStatusSingleSlot(t *testing.T) {
	woke := 0
	p := NewPipe(func() { woke++ }, 0, nil)
	defer p.Close()
	if !p.pushStatus(StatusMsg{VClock: vclock.New(1, 1)}) {
		t.Fatalf("first status rejected")
	}
	if p.pushStatus(StatusMsg{VClock: vclock.New(1, 2)}) {
		t.Fatalf("second status accepted while queued")
	}
	if m, ok := p.PollStatus(); !ok || !m.VClock.Equal(vclock.New(1, 1)) {
		t.Fatalf("poll: %+v %v", m, ok)
	}
	if woke != 1 {
		t.Fatalf("wake called %d times", woke)
	}
}

func TestReportPolicyFor(t *testing.T) {
	ack, replayed := vclock.New(1, 1), vclock.New(1, 5)
	if got := ReportPolicyFor(xrow.VersionID(1, 7, 3)).Report(ack, replayed); !got.Equal(replayed) {
		t.Fatalf("legacy policy reported %s", got)
	}
	if got := ReportPolicyFor(LegacyVersion).Report(ack, replayed); !got.Equal(ack) {
		t.Fatalf("ack policy reported %s", got)
	}
}

func TestFilterExpressionsCompile(t *testing.T) {
	for _, expr := range []string{`true`, `lsn > 0`, `space == 1`, `op == "REPLACE"`, `replica_id != 2 && key != "x" && ts_ms >= 0`} {
		if _, err := newRowFilter(expr); err != nil {
			t.Fatalf("%q: %v", expr, err)
		}
	}
}

func TestSubscribeFilterOnOp(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version},
		Options{Timeout: time.Minute, Filter: `op != "DELETE"`})
	del := row(1, 1, "gone")
	del.Type = xrow.TypeDelete
	write(t, w, del, row(1, 2, "kept"))
	b, err := xrow.DecodeBatch(conn.nextFrame(t, xrow.TypeBatch))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]origin{{1, 2}}, origins(b.Rows)); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}
}

func TestStatusSumTieWithNewComponentsIsReported(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	conn := newFakeConn()
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version},
		Options{Timeout: time.Minute, ReportInterval: 2 * time.Millisecond})

	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 2, 3, 1))
	if got := pollStatus(t, s.pipe); !got.Equal(vclock.New(1, 2, 3, 1)) {
		t.Fatalf("status %s", got)
	}
	s.pipe.Ack()

	// Same signature, different components.
	conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 3))
	if got := pollStatus(t, s.pipe); !got.Equal(vclock.New(1, 3)) {
		t.Fatalf("status %s", got)
	}
}

func TestBatchHoldsCopiesOfRows(t *testing.T) {
	conn := newFakeConn()
	r, err := New(conn, Peer{ID: 2, Sync: 4}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stream := &batchStream{ctx: context.Background(), r: r}
	src := row(1, 1, "orig")
	stream.BeginTx()
	if err := stream.Row(&src); err != nil {
		t.Fatalf("row: %v", err)
	}
	// The reader reuses its buffers once Row returns.
	for i := range src.Body {
		src.Body[i] = 0
	}
	src.LSN = 99
	if err := stream.CommitTx(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b, err := xrow.DecodeBatch(conn.nextFrame(t, xrow.TypeBatch))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(b.Rows) != 1 || b.Rows[0].LSN != 1 {
		t.Fatalf("rows %+v", b.Rows)
	}
	req, err := xrow.DecodeRequest(b.Rows[0].Body)
	if err != nil || string(req.Key) != "orig" {
		t.Fatalf("body: %+v %v", req, err)
	}
}

// stuckStream never completes a Send or a Recv until its context ends,
// like a gRPC stream whose peer stopped reading.
type stuckStream struct {
	ctx context.Context
}

func (s stuckStream) Send([]byte) error {
	<-s.ctx.Done()
	return s.ctx.Err()
}

func (s stuckStream) Recv() ([]byte, error) {
	<-s.ctx.Done()
	return nil, s.ctx.Err()
}

func (s stuckStream) Context() context.Context { return s.ctx }

func TestStreamConnSendHonoursContext(t *testing.T) {
	sctx, release := context.WithCancel(context.Background())
	defer release()
	conn := NewStreamConn(stuckStream{ctx: sctx}, "stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := conn.Send(ctx, []byte("a")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// The abandoned write is still outstanding, so the next one waits.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := conn.Send(ctx2, []byte("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// Once the stream ends the outstanding write's error surfaces.
	release()
	if err := conn.Send(context.Background(), []byte("c")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestStuckReplicaFailsWithHeartbeatTimeout(t *testing.T) {
	w := newTestWAL(t, wal.Options{})
	write(t, w, row(1, 1, "a"))

	sctx, release := context.WithCancel(context.Background())
	t.Cleanup(release)
	conn := NewStreamConn(stuckStream{ctx: sctx}, "stuck")
	s := startSubscribe(t, w, conn, Peer{ID: 2, Version: xrow.Version}, Options{Timeout: 20 * time.Millisecond})
	if err := s.result(t); !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("expected ErrHeartbeatTimeout, got %v", err)
	}
	if s.relay.State() != StateClosed {
		t.Fatalf("state %s", s.relay.State())
	}
}
