// Package rpc exposes live motor telemetry over gRPC. Messages use the
// protobuf well-known types, so no generated code is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "motor.v1.Telemetry"
	SubscribeMethod     = "/" + ServiceName + "/Subscribe"
	GetStatusMethod     = "/" + ServiceName + "/GetStatus"
	GetSeriesKeysMethod = "/" + ServiceName + "/GetSeriesKeys"
)

// TelemetryServer is the service implementation contract.
type TelemetryServer interface {
	// Subscribe streams one message per sampling tick and per status change.
	// The request may carry "keys" (list of plot keys to keep) and
	// "status_only" (bool).
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	GetSeriesKeys(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Subscribe(req, stream)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TelemetryServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getSeriesKeysHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetSeriesKeys(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSeriesKeysMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TelemetryServer).GetSeriesKeys(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes motor.v1.Telemetry for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "GetSeriesKeys", Handler: getSeriesKeysHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "motor/v1/telemetry.proto",
}

// RegisterService registers the telemetry service with the server.
func RegisterService(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin client for motor.v1.Telemetry.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSeriesKeys(ctx context.Context, opts ...grpc.CallOption) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, GetSeriesKeysMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		keys = append(keys, v.GetStringValue())
	}
	return keys, nil
}

// SubscribeStream receives telemetry events.
type SubscribeStream struct {
	grpc.ClientStream
}

func (s *SubscribeStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens the event stream. req may be nil.
func (c *Client) Subscribe(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*SubscribeStream, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SubscribeStream{ClientStream: stream}, nil
}
