package replication

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rzbill/relayd/internal/engine"
	"github.com/rzbill/relayd/internal/gc"
	"github.com/rzbill/relayd/internal/relay"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/id"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

type fakeConn struct {
	sent chan []byte
	in   chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan []byte, 4096), in: make(chan []byte, 64)}
}

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case c.sent <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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
		return nil, relay.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) next(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-c.sent:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame sent")
		return nil
	}
}

func (c *fakeConn) nextOf(t *testing.T, want xrow.Type) []byte {
	t.Helper()
	for {
		f := c.next(t)
		if h, err := xrow.PeekHeader(f); err == nil && h.Type == want {
			return f
		}
	}
}

type primary struct {
	db      *pebblestore.DB
	engine  *engine.Engine
	gc      *gc.Registry
	cluster *Cluster
	svc     *Service
}

func newPrimary(t *testing.T) *primary {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	w, err := wal.Open(db, wal.Options{})
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	reg, err := gc.Open(db, w, nil)
	if err != nil {
		t.Fatalf("open gc: %v", err)
	}
	cluster, err := OpenCluster(db, nil)
	if err != nil {
		t.Fatalf("open cluster: %v", err)
	}
	if err := cluster.SetSelfID(context.Background(), 1); err != nil {
		t.Fatalf("self id: %v", err)
	}
	e := engine.Open(db, w, engine.Options{InstanceID: 1})
	svc := NewService(e, reg, cluster, Options{Relay: relay.Options{Timeout: time.Minute, ReportInterval: 2 * time.Millisecond}})
	return &primary{db: db, engine: e, gc: reg, cluster: cluster, svc: svc}
}

func (p *primary) put(t *testing.T, key string) {
	t.Helper()
	if _, err := p.engine.Put(context.Background(), 1, []byte(key), []byte("v-"+key)); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func (p *primary) runCoordinator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.svc.Run(ctx)
}

type subscribed struct {
	conn   *fakeConn
	cancel context.CancelFunc
	done   chan error
}

func (p *primary) subscribe(t *testing.T, u id.ID, from vclock.VClock) *subscribed {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscribed{conn: newFakeConn(), cancel: cancel, done: make(chan error, 1)}
	req := xrow.SubscribeRequest{Sync: 5, InstanceID: u, VClock: from, Version: xrow.Version}
	go func() { s.done <- p.svc.Subscribe(ctx, s.conn, req) }()
	if _, err := xrow.DecodeSubscribeResponse(s.conn.next(t)); err != nil {
		t.Fatalf("subscribe response: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Errorf("subscription did not exit")
		}
	})
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestJoinSendsSnapshotThenVClocks(t *testing.T) {
	p := newPrimary(t)
	p.put(t, "a")
	p.put(t, "b")

	conn := newFakeConn()
	u := id.New()
	if err := p.svc.Join(context.Background(), conn, xrow.JoinRequest{Sync: 2, InstanceID: u, Version: xrow.Version}); err != nil {
		t.Fatalf("join: %v", err)
	}
	resp, err := xrow.DecodeJoinResponse(conn.next(t))
	if err != nil {
		t.Fatalf("join response: %v", err)
	}
	if resp.ReplicaID != 2 || !resp.VClock.Equal(vclock.New(1, 2)) {
		t.Fatalf("join response: %+v", resp)
	}
	for _, want := range []string{"a", "b"} {
		row, err := xrow.DecodeRow(conn.next(t))
		if err != nil {
			t.Fatalf("snapshot row: %v", err)
		}
		req, _ := xrow.DecodeRequest(row.Body)
		if string(req.Key) != want || row.LSN != 0 {
			t.Fatalf("snapshot row %q lsn %d, want %q", req.Key, row.LSN, want)
		}
	}
	for i := 0; i < 2; i++ {
		v, err := xrow.DecodeVClock(conn.next(t))
		if err != nil || !v.Equal(vclock.New(1, 2)) {
			t.Fatalf("vclock frame %d: %s %v", i, v, err)
		}
	}
	if rid, ok := p.cluster.Lookup(u); !ok || rid != 2 {
		t.Fatalf("lookup: %d %v", rid, ok)
	}
	if c, ok := p.gc.Lookup(pinName(u)); !ok || c.Signature() != 2 {
		t.Fatalf("join pin missing or wrong")
	}
}

func TestSubscribeUnknownReplica(t *testing.T) {
	p := newPrimary(t)
	err := p.svc.Subscribe(context.Background(), newFakeConn(), xrow.SubscribeRequest{InstanceID: id.New()})
	if !errors.Is(err, ErrUnknownReplica) {
		t.Fatalf("expected ErrUnknownReplica, got %v", err)
	}
}

func TestSecondSubscribeIsRejected(t *testing.T) {
	p := newPrimary(t)
	p.runCoordinator(t)
	u := id.New()
	rid, err := p.cluster.Register(context.Background(), u)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p.subscribe(t, u, vclock.VClock{})
	eventually(t, "first relay paired", func() bool { return p.svc.Coordinator().Paired(rid) })

	second := newFakeConn()
	start := time.Now()
	err = p.svc.Subscribe(context.Background(), second, xrow.SubscribeRequest{InstanceID: u, Version: xrow.Version})
	if !errors.Is(err, relay.ErrDuplicateReplica) {
		t.Fatalf("expected ErrDuplicateReplica, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("duplicate rejection took %s", time.Since(start))
	}
	if len(second.sent) != 0 {
		t.Fatalf("rejected subscriber received %d frames", len(second.sent))
	}
	st := p.svc.Replicas()
	if len(st) != 1 || !st[0].Connected || st[0].ID != rid {
		t.Fatalf("replicas: %+v", st)
	}
}

func TestAcksReachCoordinator(t *testing.T) {
	p := newPrimary(t)
	p.runCoordinator(t)
	u := id.New()
	rid, _ := p.cluster.Register(context.Background(), u)
	s := p.subscribe(t, u, vclock.VClock{})

	p.put(t, "a")
	s.conn.nextOf(t, xrow.TypeBatch)
	s.conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, 1))
	eventually(t, "applied vclock", func() bool {
		v, ok := p.svc.AppliedVClock(rid)
		return ok && v.Equal(vclock.New(1, 1))
	})
}

func TestSegmentCloseAdvancesPin(t *testing.T) {
	p := newPrimary(t)
	p.runCoordinator(t)
	u := id.New()
	if _, err := p.cluster.Register(context.Background(), u); err != nil {
		t.Fatalf("register: %v", err)
	}
	p.put(t, "a")
	if err := p.engine.WAL().Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	p.put(t, "b")

	s := p.subscribe(t, u, vclock.VClock{})
	s.conn.nextOf(t, xrow.TypeBatch)
	eventually(t, "pin advanced", func() bool {
		c, ok := p.gc.Lookup(pinName(u))
		return ok && c.Signature() == 1
	})
	// The first segment is now below every pin and was collected.
	eventually(t, "segment collected", func() bool { return len(p.engine.WAL().Segments()) == 1 })
}

func TestSlowCoordinatorDoesNotStallRelay(t *testing.T) {
	p := newPrimary(t)
	u := id.New()
	rid, _ := p.cluster.Register(context.Background(), u)
	s := p.subscribe(t, u, vclock.VClock{})

	const n = 50
	for i := 0; i < n; i++ {
		p.put(t, fmt.Sprint("k", i))
		if i%10 == 0 {
			s.conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, int64(i+1)))
		}
	}
	rows := 0
	for rows < n {
		b, err := xrow.DecodeBatch(s.conn.nextOf(t, xrow.TypeBatch))
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		rows += len(b.Rows)
	}
	s.conn.in <- xrow.EncodeVClock(nil, 0, vclock.New(1, n))

	// Nothing was consumed yet; once the coordinator runs it sees the
	// latest ack.
	p.runCoordinator(t)
	p.svc.Coordinator().notify()
	eventually(t, "applied vclock", func() bool {
		v, ok := p.svc.AppliedVClock(rid)
		return ok && v.Equal(vclock.New(1, n))
	})
	select {
	case err := <-s.done:
		t.Fatalf("relay exited: %v", err)
	default:
	}
}

func TestPairSeedsAppliedVClock(t *testing.T) {
	c := NewCoordinator(nil)
	c.Pair(3, nil, vclock.New(1, 4), 0)
	c.Unpair(context.Background(), 3)
	if c.Paired(3) {
		t.Fatalf("still paired")
	}
	// A later subscription from an older position keeps the newer value.
	c.Pair(3, nil, vclock.New(1, 2), 0)
	defer c.Unpair(context.Background(), 3)
	if got, ok := c.AppliedVClock(3); !ok || !got.Equal(vclock.New(1, 4)) {
		t.Fatalf("applied vclock %s", got)
	}
}
