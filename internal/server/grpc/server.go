package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	relaydv1 "github.com/rzbill/relayd/api/relayd/v1"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/pkg/log"
)

// DefaultHandshakeTimeout bounds the wait for the first frame of a stream.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures the gRPC server.
type Options struct {
	HandshakeTimeout time.Duration
	Logger           log.Logger
}

// Server owns the gRPC server instance and the replication service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger log.Logger

	// base is cancelled by Close; every stream handler derives from it.
	base   context.Context
	cancel context.CancelFunc
}

// New constructs a gRPC server and registers the replication and health
// services.
func New(svc *replication.Service, opts Options, grpcOpts ...grpc.ServerOption) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		grpc:   grpc.NewServer(grpcOpts...),
		health: health.NewServer(),
		logger: opts.Logger.WithComponent("grpc"),
		base:   base,
		cancel: cancel,
	}
	relaydv1.RegisterReplicationServer(s.grpc, &replicationSvc{
		svc:     svc,
		base:    base,
		timeout: opts.HandshakeTimeout,
		logger:  s.logger,
	})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(relaydv1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close ends every open stream and stops the server.
func (s *Server) Close() {
	s.health.Shutdown()
	s.cancel()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
