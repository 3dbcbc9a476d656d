// Package relaydv1 defines the relayd.v1.Replication gRPC service. The
// service carries opaque xrow frames in both directions over a single
// bidirectional stream, using a raw-bytes codec selected by content subtype
// so other services on the same server keep their protobuf codec.
package relaydv1

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName = "relayd.v1.Replication"
	// Replication_Stream_FullMethodName is the method path of the stream.
	Replication_Stream_FullMethodName = "/relayd.v1.Replication/Stream"
	// CodecName is the content subtype of replication frames.
	CodecName = "relayd-frame"
)

func init() { encoding.RegisterCodec(frameCodec{}) }

// frameCodec passes frames through unchanged.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	default:
		return nil, fmt.Errorf("relaydv1: cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("relaydv1: cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}

func (frameCodec) Name() string { return CodecName }

// ReplicationServer is the server API for the Replication service.
type ReplicationServer interface {
	Stream(Replication_StreamServer) error
}

// Replication_StreamServer is the server side of a replication stream.
type Replication_StreamServer interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	grpc.ServerStream
}

type replicationStreamServer struct {
	grpc.ServerStream
}

func (x *replicationStreamServer) Send(frame []byte) error { return x.ServerStream.SendMsg(frame) }

func (x *replicationStreamServer) Recv() ([]byte, error) {
	var f []byte
	if err := x.ServerStream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f, nil
}

func replicationStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).Stream(&replicationStreamServer{stream})
}

// Replication_ServiceDesc is the grpc.ServiceDesc for the Replication
// service.
var Replication_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       replicationStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relayd/v1/replication.proto",
}

// RegisterReplicationServer registers srv with s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&Replication_ServiceDesc, srv)
}

// ReplicationClient is the client API for the Replication service.
type ReplicationClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (Replication_StreamClient, error)
}

// Replication_StreamClient is the client side of a replication stream.
type Replication_StreamClient interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	grpc.ClientStream
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient creates a client over cc.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc: cc}
}

func (c *replicationClient) Stream(ctx context.Context, opts ...grpc.CallOption) (Replication_StreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &Replication_ServiceDesc.Streams[0], Replication_Stream_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &replicationStreamClient{stream}, nil
}

type replicationStreamClient struct {
	grpc.ClientStream
}

func (x *replicationStreamClient) Send(frame []byte) error { return x.ClientStream.SendMsg(frame) }

func (x *replicationStreamClient) Recv() ([]byte, error) {
	var f []byte
	if err := x.ClientStream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f, nil
}
