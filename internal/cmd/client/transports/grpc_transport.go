// Package transports provides the client transports used by the CLI and
// the replica applier.
package transports

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	relaydv1 "github.com/rzbill/relayd/api/relayd/v1"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/xrow"
)

// DialFunc opens a client connection to the primary.
type DialFunc func(ctx context.Context) (*grpc.ClientConn, error)

// Insecure returns a DialFunc for addr with plaintext transport, for
// local and trusted networks.
func Insecure(addr string, opts ...grpc.DialOption) DialFunc {
	return func(ctx context.Context) (*grpc.ClientConn, error) {
		opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
		return grpc.NewClient(addr, opts...)
	}
}

// GrpcTransport opens replication streams over gRPC.
type GrpcTransport struct {
	dial DialFunc
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial DialFunc) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

// Open starts a replication stream. The stream owns its connection and
// releases it on Close.
func (t *GrpcTransport) Open(ctx context.Context) (*GrpcStream, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	s, err := relaydv1.NewReplicationClient(conn).Stream(sctx)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, FromStatus(err)
	}
	return &GrpcStream{
		conn:   relay.NewStreamConn(s, conn.Target()),
		stream: s,
		cc:     conn,
		cancel: cancel,
	}, nil
}

// GrpcStream is a client replication stream.
type GrpcStream struct {
	conn   *relay.StreamConn
	stream relaydv1.Replication_StreamClient
	cc     *grpc.ClientConn
	cancel context.CancelFunc
}

func (s *GrpcStream) Send(ctx context.Context, frame []byte) error {
	return FromStatus(s.conn.Send(ctx, frame))
}

func (s *GrpcStream) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	f, err := s.conn.Recv(ctx, timeout)
	return f, FromStatus(err)
}

func (s *GrpcStream) RemoteAddr() string { return s.conn.RemoteAddr() }

// Close half-closes the stream and tears down the connection.
func (s *GrpcStream) Close() error {
	_ = s.stream.CloseSend()
	s.cancel()
	return s.cc.Close()
}

// FromStatus maps a gRPC status returned by the primary back to the
// matching package error so callers can use errors.Is. Other errors are
// returned unchanged.
func FromStatus(err error) error {
	if err == nil || errors.Is(err, relay.ErrTimeout) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var base error
	switch st.Code() {
	case codes.AlreadyExists:
		base = relay.ErrDuplicateReplica
	case codes.NotFound:
		base = replication.ErrUnknownReplica
	case codes.ResourceExhausted:
		base = replication.ErrClusterFull
	case codes.DeadlineExceeded:
		base = relay.ErrHeartbeatTimeout
	case codes.FailedPrecondition:
		base = wal.ErrGap
	case codes.InvalidArgument:
		base = xrow.ErrMalformed
	case codes.Canceled:
		base = context.Canceled
	default:
		return err
	}
	return &statusError{base: base, st: st}
}

type statusError struct {
	base error
	st   *status.Status
}

func (e *statusError) Error() string { return e.st.Message() }

func (e *statusError) Unwrap() error { return e.base }

// GRPCStatus keeps the original status visible to status.FromError.
func (e *statusError) GRPCStatus() *status.Status { return e.st }
