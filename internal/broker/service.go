package broker

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified broker service name.
const ServiceName = "saslink.broker.v1.Broker"

const (
	connectMethod     = "/" + ServiceName + "/Connect"
	executeCodeMethod = "/" + ServiceName + "/ExecuteCode"
	fetchLogMethod    = "/" + ServiceName + "/FetchLog"
	fetchODSMethod    = "/" + ServiceName + "/FetchODS"
	disconnectMethod  = "/" + ServiceName + "/Disconnect"
)

// Request and stream message field names.
const (
	fieldContextID = "context_id"
	fieldCode      = "code"
	fieldType      = "type"
	fieldLine      = "line"
	fieldProfile   = "profile"
)

// BrokerServer is the server API of the broker service. Messages are protobuf
// well-known types so no generated code is required on either side.
type BrokerServer interface {
	// Connect opens a broker context and returns its id.
	Connect(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	// ExecuteCode queues code on a context; output is read with FetchLog and FetchODS.
	ExecuteCode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// FetchLog streams the log of the latest submission, one line per message.
	FetchLog(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
	// FetchODS streams the HTML output of the latest submission in chunks.
	FetchODS(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	// Disconnect closes a context and its session.
	Disconnect(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// BrokerClient is the client API of the broker service.
type BrokerClient interface {
	Connect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	ExecuteCode(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	FetchLog(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
	FetchODS(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error)
	Disconnect(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&serviceDesc, srv)
}

// NewBrokerClient returns a client bound to cc.
func NewBrokerClient(cc grpc.ClientConnInterface) BrokerClient {
	return &brokerClient{cc: cc}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connect", Handler: connectHandler},
		{MethodName: "ExecuteCode", Handler: executeCodeHandler},
		{MethodName: "Disconnect", Handler: disconnectHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "FetchLog", Handler: fetchLogHandler, ServerStreams: true},
		{StreamName: "FetchODS", Handler: fetchODSHandler, ServerStreams: true},
	},
	Metadata: "saslink/broker/v1/broker.proto",
}

func connectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).Connect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: connectMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BrokerServer).Connect(ctx, req.(*structpb.Struct))
	})
}

func executeCodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).ExecuteCode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeCodeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BrokerServer).ExecuteCode(ctx, req.(*structpb.Struct))
	})
}

func disconnectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).Disconnect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: disconnectMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(BrokerServer).Disconnect(ctx, req.(*wrapperspb.StringValue))
	})
}

func fetchLogHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BrokerServer).FetchLog(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

func fetchODSHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BrokerServer).FetchODS(in, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

type brokerClient struct {
	cc grpc.ClientConnInterface
}

func (c *brokerClient) Connect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, connectMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brokerClient) ExecuteCode(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, executeCodeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brokerClient) Disconnect(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, disconnectMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brokerClient) FetchLog(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], fetchLogMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *brokerClient) FetchODS(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[1], fetchODSMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
