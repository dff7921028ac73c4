package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "hsu.autoshutdown.WatchdogService"
	statusMethod  = "/" + serviceName + "/Status"
	touchMethod   = "/" + serviceName + "/Touch"
	serviceSource = "watchdog_service"
)

// watchdogServiceServer is the server side of the watchdog service.
// Messages are well-known protobuf types, so no generated code is needed.
type watchdogServiceServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Touch(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var watchdogServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*watchdogServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Touch", Handler: touchHandler},
	},
	Metadata: serviceSource,
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(watchdogServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(watchdogServiceServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func touchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(watchdogServiceServer).Touch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: touchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(watchdogServiceServer).Touch(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
