package nbi

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/model"
)

// ConnectionManager is the part of *connection.Manager the provider serves.
type ConnectionManager interface {
	Reserve(ctx context.Context, req connection.ReserveRequest) (*model.Connection, error)
	ReserveCommit(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (*model.Connection, error)
	ReserveAbort(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (*model.Connection, error)
	Provision(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (*model.Connection, error)
	Release(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (*model.Connection, error)
	Terminate(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (*model.Connection, error)
	QuerySummary(ctx context.Context, connectionIDs, globalReservationIDs []string) ([]*model.Connection, error)
	QueryDataPlaneStatus(ctx context.Context, connectionID string) (connection.DataPlaneStatus, error)
	QueryResults(ctx context.Context, connectionID string) ([]dispatch.Notification, error)
}

var _ nsi.ProviderServer = (*ProviderService)(nil)

// ProviderService implements the ConnectionProvider gRPC server on top of the
// connection manager. Every verb answers with the record as persisted by the
// synchronous part of the operation.
type ProviderService struct {
	mgr         ConnectionManager
	providerNSA string
	log         logging.Logger
}

// NewProviderService constructs a ProviderService. providerNSA, when set,
// rejects requests addressed to another provider.
func NewProviderService(mgr ConnectionManager, providerNSA string, log logging.Logger) *ProviderService {
	if log == nil {
		log = logging.Noop()
	}
	return &ProviderService{
		mgr:         mgr,
		providerNSA: providerNSA,
		log:         log,
	}
}

func (s *ProviderService) ensureReady() error {
	if s == nil || s.mgr == nil {
		return status.Error(codes.FailedPrecondition, "connection manager is not initialized")
	}
	return nil
}

// Reserve creates a reservation, or modifies one when the request names a
// connection and its version.
func (s *ProviderService) Reserve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, logging.FromContext(ctx, s.log))
	reqLog = reqLog.With(logging.String("operation", "reserve"))
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	req, err := nsi.DecodeReserve(in)
	if err == nil {
		err = ValidateReserve(req, s.providerNSA)
	}
	if err != nil {
		reqLog.Debug(ctx, "Reserve validation failed", logging.String("reason", err.Error()))
		return nil, ToStatusError(err)
	}

	c, err := s.mgr.Reserve(ctx, req)
	if err != nil {
		s.logRejection(ctx, reqLog, "Reserve", err)
		return nil, ToStatusError(err)
	}
	reqLog.Info(ctx, "Reserve accepted",
		logging.String("connection_id", c.ConnectionID),
		logging.Int64("version", c.Version))
	return s.encode(c)
}

type verbFunc func(m ConnectionManager, ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (*model.Connection, error)

func (s *ProviderService) verb(ctx context.Context, name string, in *structpb.Struct, call verbFunc) (*structpb.Struct, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, logging.FromContext(ctx, s.log))
	reqLog = reqLog.With(logging.String("operation", name))
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	v, err := nsi.DecodeVerb(in)
	if err == nil {
		err = ValidateVerb(v)
	}
	if err != nil {
		reqLog.Debug(ctx, name+" validation failed", logging.String("reason", err.Error()))
		return nil, ToStatusError(err)
	}
	reqLog = reqLog.With(logging.String("connection_id", v.ConnectionID))

	c, err := call(s.mgr, ctx, v.ConnectionID, v.Version, v.CorrelationID)
	if err != nil {
		s.logRejection(ctx, reqLog, name, err)
		return nil, ToStatusError(err)
	}
	reqLog.Info(ctx, name+" accepted", logging.Int64("version", c.Version))
	return s.encode(c)
}

func (s *ProviderService) ReserveCommit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.verb(ctx, "ReserveCommit", in, ConnectionManager.ReserveCommit)
}

func (s *ProviderService) ReserveAbort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.verb(ctx, "ReserveAbort", in, ConnectionManager.ReserveAbort)
}

func (s *ProviderService) Provision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.verb(ctx, "Provision", in, ConnectionManager.Provision)
}

func (s *ProviderService) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.verb(ctx, "Release", in, ConnectionManager.Release)
}

func (s *ProviderService) Terminate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.verb(ctx, "Terminate", in, ConnectionManager.Terminate)
}

// QuerySummarySync returns the matching reservations. Terminated ones are
// included.
func (s *ProviderService) QuerySummarySync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	q, err := nsi.DecodeQuery(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	cs, err := s.mgr.QuerySummary(ctx, q.ConnectionIDs, q.GlobalReservationIDs)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := nsi.EncodeConnections(cs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode summary: %v", err)
	}
	return out, nil
}

func (s *ProviderService) QueryDataPlaneStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := connectionIDOf(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	st, err := s.mgr.QueryDataPlaneStatus(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := nsi.EncodeDataPlaneStatus(st)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// QueryResult returns outcomes recorded for requesters that gave no replyTo.
func (s *ProviderService) QueryResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	id, err := connectionIDOf(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	results, err := s.mgr.QueryResults(ctx, id)
	if err != nil {
		return nil, ToStatusError(err)
	}
	out, err := nsi.EncodeNotifications(results)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode results: %v", err)
	}
	return out, nil
}

func connectionIDOf(in *structpb.Struct) (string, error) {
	id := in.GetFields()["connectionId"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("%w: connectionId is required", nsi.ErrMalformed)
	}
	return id, nil
}

func (s *ProviderService) encode(c *model.Connection) (*structpb.Struct, error) {
	out, err := nsi.EncodeConnection(c)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode connection: %v", err)
	}
	return out, nil
}

// logRejection logs protocol rejections at debug and store failures at warn.
func (s *ProviderService) logRejection(ctx context.Context, log logging.Logger, op string, err error) {
	if errors.Is(err, connection.ErrInternalStore) {
		log.Warn(ctx, op+" failed", logging.Err(err))
		return
	}
	log.Debug(ctx, op+" rejected", logging.Err(err))
}
