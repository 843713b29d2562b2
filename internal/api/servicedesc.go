package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.risk.v1.RiskEngine"

// Full method names.
const (
	MethodExtractFeatures = "/" + ServiceName + "/ExtractFeatures"
	MethodPredict         = "/" + ServiceName + "/Predict"
	MethodExplain         = "/" + ServiceName + "/Explain"
	MethodPlan            = "/" + ServiceName + "/Plan"
	MethodSimulate        = "/" + ServiceName + "/Simulate"
	MethodHealthCheck     = "/" + ServiceName + "/HealthCheck"

	MethodFeatureImportance = "/" + ServiceName + "/FeatureImportance"
	MethodGetTopology       = "/" + ServiceName + "/GetTopology"
	MethodIngestTopology    = "/" + ServiceName + "/IngestTopology"
)

// RiskEngineServer is the server API. Payloads are google.protobuf.Struct documents
// decoded with the request types in this package.
type RiskEngineServer interface {
	ExtractFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Explain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Plan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FeatureImportance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTopology(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestTopology(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedRiskEngineServer can be embedded for forward compatibility.
type UnimplementedRiskEngineServer struct{}

func (UnimplementedRiskEngineServer) ExtractFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ExtractFeatures not implemented")
}
func (UnimplementedRiskEngineServer) Predict(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Predict not implemented")
}
func (UnimplementedRiskEngineServer) Explain(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Explain not implemented")
}
func (UnimplementedRiskEngineServer) Plan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Plan not implemented")
}
func (UnimplementedRiskEngineServer) Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Simulate not implemented")
}
func (UnimplementedRiskEngineServer) HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}
func (UnimplementedRiskEngineServer) FeatureImportance(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method FeatureImportance not implemented")
}
func (UnimplementedRiskEngineServer) GetTopology(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetTopology not implemented")
}
func (UnimplementedRiskEngineServer) IngestTopology(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method IngestTopology not implemented")
}

// RegisterRiskEngineServer attaches srv to s.
func RegisterRiskEngineServer(s grpc.ServiceRegistrar, srv RiskEngineServer) {
	s.RegisterService(&RiskEngine_ServiceDesc, srv)
}

type unaryMethod func(RiskEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RiskEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RiskEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RiskEngine_ServiceDesc is the grpc.ServiceDesc for the risk engine.
var RiskEngine_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RiskEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExtractFeatures", Handler: unaryHandler(MethodExtractFeatures, RiskEngineServer.ExtractFeatures)},
		{MethodName: "Predict", Handler: unaryHandler(MethodPredict, RiskEngineServer.Predict)},
		{MethodName: "Explain", Handler: unaryHandler(MethodExplain, RiskEngineServer.Explain)},
		{MethodName: "Plan", Handler: unaryHandler(MethodPlan, RiskEngineServer.Plan)},
		{MethodName: "Simulate", Handler: unaryHandler(MethodSimulate, RiskEngineServer.Simulate)},
		{MethodName: "HealthCheck", Handler: unaryHandler(MethodHealthCheck, RiskEngineServer.HealthCheck)},
		{MethodName: "FeatureImportance", Handler: unaryHandler(MethodFeatureImportance, RiskEngineServer.FeatureImportance)},
		{MethodName: "GetTopology", Handler: unaryHandler(MethodGetTopology, RiskEngineServer.GetTopology)},
		{MethodName: "IngestTopology", Handler: unaryHandler(MethodIngestTopology, RiskEngineServer.IngestTopology)},
	},
	Streams: []grpc.StreamDesc{},
}

// RiskEngineClient is the client API.
type RiskEngineClient interface {
	ExtractFeatures(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Explain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Plan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Simulate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	HealthCheck(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	FeatureImportance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetTopology(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	IngestTopology(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type riskEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewRiskEngineClient returns a client over cc.
func NewRiskEngineClient(cc grpc.ClientConnInterface) RiskEngineClient {
	return &riskEngineClient{cc: cc}
}

func (c *riskEngineClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *riskEngineClient) ExtractFeatures(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodExtractFeatures, in, opts)
}

func (c *riskEngineClient) Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPredict, in, opts)
}

func (c *riskEngineClient) Explain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodExplain, in, opts)
}

func (c *riskEngineClient) Plan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPlan, in, opts)
}

func (c *riskEngineClient) Simulate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodSimulate, in, opts)
}

func (c *riskEngineClient) HealthCheck(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodHealthCheck, in, opts)
}

func (c *riskEngineClient) FeatureImportance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodFeatureImportance, in, opts)
}

func (c *riskEngineClient) GetTopology(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetTopology, in, opts)
}

func (c *riskEngineClient) IngestTopology(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodIngestTopology, in, opts)
}
