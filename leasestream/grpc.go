package leasestream

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// serviceName is the gRPC full service name used in the streamed method
// routes below, e.g. "/fleetrun.leasestream.LeaseStream/Pull".
const serviceName = "fleetrun.leasestream.LeaseStream"

// ServiceDesc is hand-authored in place of a protoc-generated descriptor:
// field names on the wire come from wire.go's JSON tags, and messages are
// marshaled by the codec registered in codec.go. The service still runs on
// real gRPC transport — HTTP/2 framing, deadlines, flow control, and
// codes.* status mapping all apply unmodified.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*grpcServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ack", Handler: ackHandler},
		{MethodName: "Complete", Handler: completeHandler},
		{MethodName: "Fail", Handler: failHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Pull", Handler: pullHandler, ServerStreams: true},
	},
	Metadata: "fleetrun/leasestream.proto",
}

// grpcServer is the interface the hand-written handlers dispatch to; Service
// satisfies it directly.
type grpcServer interface {
	Pull(ctx context.Context, req PullRequest, send sendFunc) error
	Ack(ctx context.Context, req AckRequest) (AckResponse, error)
	Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error)
	Fail(ctx context.Context, req FailRequest) (FailResponse, error)
}

// RegisterService registers srv against s using ServiceDesc.
func RegisterService(s *grpc.Server, srv *Service) {
	s.RegisterService(&ServiceDesc, srv)
}

func pullHandler(srv any, stream grpc.ServerStream) error {
	var req PullRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(grpcServer).Pull(stream.Context(), req, func(msg LeaseMessage) error {
		return stream.SendMsg(&msg)
	})
}

func ackHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req AckRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(grpcServer).Ack(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Ack"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(grpcServer).Ack(ctx, *req.(*AckRequest))
	}
	return interceptor(ctx, &req, info, handler)
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req CompleteRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(grpcServer).Complete(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Complete"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(grpcServer).Complete(ctx, *req.(*CompleteRequest))
	}
	return interceptor(ctx, &req, info, handler)
}

func failHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req FailRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(grpcServer).Fail(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Fail"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(grpcServer).Fail(ctx, *req.(*FailRequest))
	}
	return interceptor(ctx, &req, info, handler)
}

// Client is a hand-authored gRPC client for the Lease Stream Service,
// paired with ServiceDesc the same way the generated client would be.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established *grpc.ClientConn.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

// PullClient is the client side of the Pull server stream.
type PullClient interface {
	Recv() (*LeaseMessage, error)
	grpc.ClientStream
}

type pullClient struct {
	grpc.ClientStream
}

func (c *pullClient) Recv() (*LeaseMessage, error) {
	var msg LeaseMessage
	if err := c.ClientStream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Pull opens the Pull stream for req.
func (c *Client) Pull(ctx context.Context, req PullRequest) (PullClient, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, "/"+serviceName+"/Pull", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &pullClient{ClientStream: stream}, nil
}

// Ack invokes the unary Ack method.
func (c *Client) Ack(ctx context.Context, req AckRequest) (*AckResponse, error) {
	var resp AckResponse
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Ack", &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete invokes the unary Complete method.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	var resp CompleteResponse
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Complete", &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fail invokes the unary Fail method.
func (c *Client) Fail(ctx context.Context, req FailRequest) (*FailResponse, error) {
	var resp FailResponse
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Fail", &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsStreamClosed reports whether err signals a normal end-of-stream rather
// than a failure, so callers can distinguish "server done" from "server
// unreachable".
func IsStreamClosed(err error) bool {
	if err == io.EOF {
		return true
	}
	return status.Code(err) == codes.Canceled
}
