package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ============================================================================
// fractiles.v1.RenderService
// ============================================================================
//
// The service is described by hand over protobuf well-known types, so no
// generated package is needed:
//
//   service RenderService {
//     rpc Render(google.protobuf.Struct) returns (google.protobuf.BytesValue);
//     rpc Stats(google.protobuf.Empty) returns (google.protobuf.Struct);
//   }
//
// Render request fields: width, height (required), fractal, format,
// center_x, center_y, zoom, max_iterations, color_scheme, julia_cx, julia_cy.
// The response holds the encoded image.

// ServiceName is the fully qualified gRPC service name
const ServiceName = "fractiles.v1.RenderService"

const (
	renderMethod = "/" + ServiceName + "/Render"
	statsMethod  = "/" + ServiceName + "/Stats"
)

// RenderServiceServer is the server API for RenderService
type RenderServiceServer interface {
	Render(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterRenderServiceServer registers srv on s
func RegisterRenderServiceServer(s grpc.ServiceRegistrar, srv RenderServiceServer) {
	s.RegisterService(&RenderServiceDesc, srv)
}

func renderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RenderServiceServer).Render(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: renderMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RenderServiceServer).Render(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RenderServiceServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RenderServiceServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RenderServiceDesc is the grpc.ServiceDesc for RenderService
var RenderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RenderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Render", Handler: renderHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fractiles/v1/render.proto",
}
