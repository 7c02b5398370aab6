package scans_api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

func unary(method string, call func(ScanServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ScanServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ScanServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScanServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Scan", ScanServiceServer.Scan),
		unary("Verify", ScanServiceServer.Verify),
		unary("ShipmentHistory", ScanServiceServer.ShipmentHistory),
		unary("ContainerHistory", ScanServiceServer.ContainerHistory),
		unary("PendingContainers", ScanServiceServer.PendingContainers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "custody/v1/scan_service.proto",
}
