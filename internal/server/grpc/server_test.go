package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	relaydv1 "github.com/rzbill/relayd/api/relayd/v1"
	cfgpkg "github.com/rzbill/relayd/internal/config"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/runtime"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/pkg/id"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

const bufSize = 1 << 20

func dialer(s *grpc.Server) func(context.Context, string) (net.Conn, error) {
	lis := bufconn.Listen(bufSize)
	go func() { _ = s.Serve(lis) }()
	return func(ctx context.Context, s string) (net.Conn, error) { return lis.DialContext(ctx) }
}

type fixture struct {
	rt   *runtime.Runtime
	svc  *replication.Service
	srv  *Server
	conn *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	opts := rt.ReplicationOptions()
	opts.Relay.Timeout = 50 * time.Millisecond
	svc := replication.NewService(rt.Engine(), rt.GC(), rt.Cluster(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	srv := New(svc, Options{HandshakeTimeout: 200 * time.Millisecond})
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(srv.grpc)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Close()
		cancel()
		_ = rt.Close()
	})
	return &fixture{rt: rt, svc: svc, srv: srv, conn: conn}
}

func (f *fixture) open(t *testing.T, ctx context.Context) *relay.StreamConn {
	t.Helper()
	s, err := relaydv1.NewReplicationClient(f.conn).Stream(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	return relay.NewStreamConn(s, "bufnet")
}

func TestHealthOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := healthpb.NewHealthClient(f.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: relaydv1.ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status %s", res.GetStatus())
	}
	f.srv.SetServing(false)
	res, err = healthpb.NewHealthClient(f.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: relaydv1.ServiceName})
	if err != nil || res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after SetServing(false): %v %v", res.GetStatus(), err)
	}
}

func TestJoinAndSubscribeOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.rt.Engine().Put(ctx, 512, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	u := id.New()
	join := f.open(t, ctx)
	req := xrow.JoinRequest{Sync: 7, InstanceID: u, Version: xrow.Version}
	if err := join.Send(ctx, req.Encode(nil)); err != nil {
		t.Fatalf("send join: %v", err)
	}
	frame, err := join.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("join response: %v", err)
	}
	resp, err := xrow.DecodeJoinResponse(frame)
	if err != nil || resp.ReplicaID != 2 || resp.Sync != 7 {
		t.Fatalf("join response: %+v %v", resp, err)
	}
	var vclocks int
	for vclocks < 2 {
		frame, err := join.Recv(ctx, time.Second)
		if err != nil {
			t.Fatalf("join stream: %v", err)
		}
		if h, _ := xrow.PeekHeader(frame); h.Type == xrow.TypeVClock {
			vclocks++
		}
	}

	sub := f.open(t, ctx)
	sreq := xrow.SubscribeRequest{Sync: 8, InstanceID: u, VClock: vclock.New(1, 1), Version: xrow.Version}
	if err := sub.Send(ctx, sreq.Encode(nil)); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	frame, err = sub.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("subscribe response: %v", err)
	}
	if _, err := xrow.DecodeSubscribeResponse(frame); err != nil {
		t.Fatalf("subscribe response: %v", err)
	}
	if _, err := f.rt.Engine().Put(ctx, 512, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	for {
		frame, err := sub.Recv(ctx, time.Second)
		if err != nil {
			t.Fatalf("subscribe stream: %v", err)
		}
		h, _ := xrow.PeekHeader(frame)
		if h.Type != xrow.TypeBatch {
			continue
		}
		b, err := xrow.DecodeBatch(frame)
		if err != nil || len(b.Rows) != 1 || b.Rows[0].LSN != 2 || h.Sync != 8 {
			t.Fatalf("batch: %+v %v", b, err)
		}
		break
	}
	if err := sub.Send(ctx, xrow.EncodeVClock(nil, 0, vclock.New(1, 2))); err != nil {
		t.Fatalf("ack: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := f.svc.AppliedVClock(2); ok && v.Equal(vclock.New(1, 2)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ack never reached the coordinator")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnknownReplicaIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := f.open(t, ctx)
	sreq := xrow.SubscribeRequest{InstanceID: id.New(), Version: xrow.Version}
	if err := sub.Send(ctx, sreq.Encode(nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err := sub.Recv(ctx, time.Second)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s := f.open(t, ctx)
	_, err := s.Recv(ctx, time.Second)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{relay.ErrDuplicateReplica, codes.AlreadyExists},
		{replication.ErrClusterFull, codes.ResourceExhausted},
		{relay.ErrHeartbeatTimeout, codes.DeadlineExceeded},
		{relay.ErrConnectionProtocol, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, c := range cases {
		if got := status.Code(toStatus(c.err)); got != c.code {
			t.Errorf("toStatus(%v) = %s, want %s", c.err, got, c.code)
		}
	}
	if toStatus(nil) != nil {
		t.Errorf("toStatus(nil) != nil")
	}
}
