// Package nsi is the gRPC binding of the Connection Service. Messages travel
// as google.protobuf.Struct values so no generated code is needed; this
// package owns the service descriptors, the Struct mapping and the client
// stubs for both directions.
package nsi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/supa/internal/dispatch"
)

const (
	// ProviderServiceName is served by this agent.
	ProviderServiceName = "nsi.ConnectionProvider"
	// RequesterServiceName is served by requesters that want callbacks.
	RequesterServiceName = "nsi.ConnectionRequester"
)

// Provider method names.
const (
	MethodReserve              = "Reserve"
	MethodReserveCommit        = "ReserveCommit"
	MethodReserveAbort         = "ReserveAbort"
	MethodProvision            = "Provision"
	MethodRelease              = "Release"
	MethodTerminate            = "Terminate"
	MethodQuerySummary         = "QuerySummarySync"
	MethodQueryDataPlaneStatus = "QueryDataPlaneStatus"
	MethodQueryResult          = "QueryResult"
)

// ProviderServer is the server API of the ConnectionProvider service. Every
// state-changing method returns the synchronous acknowledgment; outcomes
// follow on the requester service.
type ProviderServer interface {
	Reserve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReserveCommit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReserveAbort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Provision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Terminate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QuerySummarySync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryDataPlaneStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type providerCall func(ProviderServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func providerMethod(name string, call providerCall) grpc.MethodDesc {
	fullMethod := "/" + ProviderServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ProviderServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ProviderServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ProviderServiceDesc describes the ConnectionProvider service.
var ProviderServiceDesc = grpc.ServiceDesc{
	ServiceName: ProviderServiceName,
	HandlerType: (*ProviderServer)(nil),
	Methods: []grpc.MethodDesc{
		providerMethod(MethodReserve, ProviderServer.Reserve),
		providerMethod(MethodReserveCommit, ProviderServer.ReserveCommit),
		providerMethod(MethodReserveAbort, ProviderServer.ReserveAbort),
		providerMethod(MethodProvision, ProviderServer.Provision),
		providerMethod(MethodRelease, ProviderServer.Release),
		providerMethod(MethodTerminate, ProviderServer.Terminate),
		providerMethod(MethodQuerySummary, ProviderServer.QuerySummarySync),
		providerMethod(MethodQueryDataPlaneStatus, ProviderServer.QueryDataPlaneStatus),
		providerMethod(MethodQueryResult, ProviderServer.QueryResult),
	},
	Metadata: "nsi/connection_provider",
}

// RegisterProviderServer registers srv on s.
func RegisterProviderServer(s grpc.ServiceRegistrar, srv ProviderServer) {
	s.RegisterService(&ProviderServiceDesc, srv)
}

// RequesterServer receives asynchronous notifications. method is the
// callback name, e.g. ReserveCommitConfirmed.
type RequesterServer interface {
	Notify(ctx context.Context, method string, n dispatch.Notification) error
}

// RequesterFunc adapts a function to RequesterServer.
type RequesterFunc func(ctx context.Context, method string, n dispatch.Notification) error

func (f RequesterFunc) Notify(ctx context.Context, method string, n dispatch.Notification) error {
	return f(ctx, method, n)
}

// RequesterMethods lists every callback a provider may invoke.
func RequesterMethods() []string {
	var out []string
	for _, op := range []dispatch.Operation{
		dispatch.OpReserve, dispatch.OpReserveCommit, dispatch.OpReserveAbort,
		dispatch.OpProvision, dispatch.OpRelease, dispatch.OpTerminate,
	} {
		for _, outcome := range []dispatch.Outcome{dispatch.OutcomeConfirmed, dispatch.OutcomeFailed} {
			out = append(out, dispatch.Notification{Operation: op, Outcome: outcome}.Method())
		}
	}
	for _, op := range []dispatch.Operation{dispatch.OpReserveTimeout, dispatch.OpDataPlaneStateChange, dispatch.OpErrorEvent} {
		out = append(out, dispatch.Notification{Operation: op, Outcome: dispatch.OutcomeEvent}.Method())
	}
	return out
}

func requesterMethod(name string) grpc.MethodDesc {
	fullMethod := "/" + RequesterServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				n, err := DecodeNotification(req.(*structpb.Struct))
				if err != nil {
					return nil, err
				}
				if err := srv.(RequesterServer).Notify(ctx, name, n); err != nil {
					return nil, err
				}
				return &emptypb.Empty{}, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// RequesterServiceDesc describes the ConnectionRequester callback service.
var RequesterServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: RequesterServiceName,
		HandlerType: (*RequesterServer)(nil),
		Metadata:    "nsi/connection_requester",
	}
	for _, name := range RequesterMethods() {
		desc.Methods = append(desc.Methods, requesterMethod(name))
	}
	return desc
}()

// RegisterRequesterServer registers srv on s.
func RegisterRequesterServer(s grpc.ServiceRegistrar, srv RequesterServer) {
	s.RegisterService(&RequesterServiceDesc, srv)
}
