// Package ipc carries the bridge command surface over gRPC on a Unix
// domain socket. Messages are protobuf well-known types, so no generated
// code is needed.
package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bridge.v1.Bridge"

const (
	methodCall                = "/" + ServiceName + "/Call"
	methodStreamStatus        = "/" + ServiceName + "/StreamStatus"
	methodStreamStats         = "/" + ServiceName + "/StreamStats"
	methodStreamLogs          = "/" + ServiceName + "/StreamLogs"
	methodStreamNotifications = "/" + ServiceName + "/StreamNotifications"
)

// BridgeServer is the server side of bridge.v1.Bridge.
//
//	Call(Struct{method, args}) -> Struct{ok, result | code, message}
//	StreamStatus(Empty) -> stream StringValue
//	StreamStats(Empty) -> stream Struct
//	StreamLogs(Struct{level, tag, tail}) -> stream StringValue
//	StreamNotifications(Empty) -> stream Struct
type BridgeServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StreamStatus(req *emptypb.Empty, stream grpc.ServerStream) error
	StreamStats(req *emptypb.Empty, stream grpc.ServerStream) error
	StreamLogs(req *structpb.Struct, stream grpc.ServerStream) error
	StreamNotifications(req *emptypb.Empty, stream grpc.ServerStream) error
}

// RegisterBridgeServer registers srv on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&bridgeServiceDesc, srv)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCall}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamStatusHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BridgeServer).StreamStatus(in, stream)
}

func streamStatsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BridgeServer).StreamStats(in, stream)
}

func streamLogsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BridgeServer).StreamLogs(in, stream)
}

func streamNotificationsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BridgeServer).StreamNotifications(in, stream)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamStatus", Handler: streamStatusHandler, ServerStreams: true},
		{StreamName: "StreamStats", Handler: streamStatsHandler, ServerStreams: true},
		{StreamName: "StreamLogs", Handler: streamLogsHandler, ServerStreams: true},
		{StreamName: "StreamNotifications", Handler: streamNotificationsHandler, ServerStreams: true},
	},
	Metadata: "bridge/v1/bridge.proto",
}
