package nsi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/model"
)

// ProviderClient calls a ConnectionProvider over cc. Rejections come back as
// gRPC status errors.
type ProviderClient struct {
	cc grpc.ClientConnInterface
}

// NewProviderClient returns a client over cc.
func NewProviderClient(cc grpc.ClientConnInterface) *ProviderClient {
	return &ProviderClient{cc: cc}
}

func (c *ProviderClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ProviderServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Reserve creates or modifies a reservation and returns the acknowledged
// record.
func (c *ProviderClient) Reserve(ctx context.Context, req connection.ReserveRequest, opts ...grpc.CallOption) (*model.Connection, error) {
	in, err := EncodeReserve(req)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, MethodReserve, in, opts...)
	if err != nil {
		return nil, err
	}
	return DecodeConnection(out)
}

func (c *ProviderClient) verb(ctx context.Context, method string, v VerbRequest, opts []grpc.CallOption) (*model.Connection, error) {
	in, err := EncodeVerb(v)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, method, in, opts...)
	if err != nil {
		return nil, err
	}
	return DecodeConnection(out)
}

func (c *ProviderClient) ReserveCommit(ctx context.Context, v VerbRequest, opts ...grpc.CallOption) (*model.Connection, error) {
	return c.verb(ctx, MethodReserveCommit, v, opts)
}

func (c *ProviderClient) ReserveAbort(ctx context.Context, v VerbRequest, opts ...grpc.CallOption) (*model.Connection, error) {
	return c.verb(ctx, MethodReserveAbort, v, opts)
}

func (c *ProviderClient) Provision(ctx context.Context, v VerbRequest, opts ...grpc.CallOption) (*model.Connection, error) {
	return c.verb(ctx, MethodProvision, v, opts)
}

func (c *ProviderClient) Release(ctx context.Context, v VerbRequest, opts ...grpc.CallOption) (*model.Connection, error) {
	return c.verb(ctx, MethodRelease, v, opts)
}

func (c *ProviderClient) Terminate(ctx context.Context, v VerbRequest, opts ...grpc.CallOption) (*model.Connection, error) {
	return c.verb(ctx, MethodTerminate, v, opts)
}

// QuerySummary returns the records matching q.
func (c *ProviderClient) QuerySummary(ctx context.Context, q QueryRequest, opts ...grpc.CallOption) ([]*model.Connection, error) {
	in, err := EncodeQuery(q)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, MethodQuerySummary, in, opts...)
	if err != nil {
		return nil, err
	}
	return DecodeConnections(out)
}

func (c *ProviderClient) QueryDataPlaneStatus(ctx context.Context, connectionID string, opts ...grpc.CallOption) (connection.DataPlaneStatus, error) {
	in, err := structpb.NewStruct(map[string]any{"connectionId": connectionID})
	if err != nil {
		return connection.DataPlaneStatus{}, err
	}
	out, err := c.invoke(ctx, MethodQueryDataPlaneStatus, in, opts...)
	if err != nil {
		return connection.DataPlaneStatus{}, err
	}
	return DecodeDataPlaneStatus(out)
}

// QueryResult returns the outcomes recorded for a connection whose requester
// gave no replyTo.
func (c *ProviderClient) QueryResult(ctx context.Context, connectionID string, opts ...grpc.CallOption) ([]dispatch.Notification, error) {
	in, err := structpb.NewStruct(map[string]any{"connectionId": connectionID})
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, MethodQueryResult, in, opts...)
	if err != nil {
		return nil, err
	}
	return DecodeNotifications(out)
}
