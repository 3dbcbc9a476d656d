package grpcserver

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	relaydv1 "github.com/rzbill/relayd/api/relayd/v1"
	"github.com/rzbill/relayd/internal/relay"
	"github.com/rzbill/relayd/internal/replication"
	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/xrow"
)

type replicationSvc struct {
	svc     *replication.Service
	base    context.Context
	timeout time.Duration
	logger  log.Logger
}

// Stream reads the request frame and hands the stream to Join or
// Subscribe for the rest of its life.
func (h *replicationSvc) Stream(stream relaydv1.Replication_StreamServer) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	conn := relay.NewStreamConn(stream, remote)
	first, err := conn.Recv(ctx, h.timeout)
	if err != nil {
		if errors.Is(err, relay.ErrTimeout) {
			return status.Error(codes.DeadlineExceeded, "no request frame")
		}
		return toStatus(err)
	}
	hdr, err := xrow.PeekHeader(first)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "request frame: %v", err)
	}
	switch hdr.Type {
	case xrow.TypeJoin:
		req, err := xrow.DecodeJoinRequest(first)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "join request: %v", err)
		}
		h.logger.Info("join requested", log.Str("peer", remote), log.Str("uuid", req.InstanceID.String()))
		return toStatus(h.svc.Join(ctx, conn, req))
	case xrow.TypeSubscribe:
		req, err := xrow.DecodeSubscribeRequest(first)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "subscribe request: %v", err)
		}
		h.logger.Info("subscribe requested", log.Str("peer", remote),
			log.Str("uuid", req.InstanceID.String()), log.Str("vclock", req.VClock.String()))
		err = h.svc.Subscribe(ctx, conn, req)
		if err == nil && h.base.Err() != nil {
			return status.Error(codes.Unavailable, "server shutting down")
		}
		return toStatus(err)
	default:
		return status.Errorf(codes.InvalidArgument, "unexpected %s frame", hdr.Type)
	}
}

// toStatus maps replication errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, relay.ErrDuplicateReplica):
		code = codes.AlreadyExists
	case errors.Is(err, replication.ErrUnknownReplica):
		code = codes.NotFound
	case errors.Is(err, replication.ErrClusterFull):
		code = codes.ResourceExhausted
	case errors.Is(err, relay.ErrHeartbeatTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, wal.ErrGap):
		code = codes.FailedPrecondition
	case errors.Is(err, relay.ErrConnectionProtocol), errors.Is(err, relay.ErrFilter),
		errors.Is(err, xrow.ErrMalformed), errors.Is(err, xrow.ErrUnexpected):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		if st, ok := status.FromError(err); ok {
			return st.Err()
		}
	}
	return status.Error(code, err.Error())
}
