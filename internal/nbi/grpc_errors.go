package nbi

import (
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/model"
)

// ErrorDomain is the ErrorInfo domain of every rejection.
const ErrorDomain = "nsi.supa"

// ErrorInfo reasons, one per rejection kind.
const (
	ReasonConnectionNotFound          = "CONNECTION_NOT_FOUND"
	ReasonVersionConflict             = "VERSION_CONFLICT"
	ReasonInvalidOperationForState    = "INVALID_OPERATION_FOR_STATE"
	ReasonConnectionAlreadyTerminated = "CONNECTION_ALREADY_TERMINATED"
	ReasonValidation                  = "VALIDATION_ERROR"
	ReasonInternalStore               = "INTERNAL_STORE_ERROR"
)

var kinds = []struct {
	kind   error
	reason string
	code   codes.Code
}{
	{connection.ErrConnectionNotFound, ReasonConnectionNotFound, codes.NotFound},
	{connection.ErrVersionConflict, ReasonVersionConflict, codes.Aborted},
	{connection.ErrConnectionAlreadyTerminated, ReasonConnectionAlreadyTerminated, codes.FailedPrecondition},
	{connection.ErrInvalidOperationForState, ReasonInvalidOperationForState, codes.FailedPrecondition},
	{connection.ErrInternalStore, ReasonInternalStore, codes.Unavailable},
	{model.ErrValidation, ReasonValidation, codes.InvalidArgument},
}

// ToStatusError maps connection manager rejections onto gRPC status codes.
// The status carries an ErrorInfo detail with the authoritative version and
// states when the rejection has them.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	for _, k := range kinds {
		if !errors.Is(err, k.kind) {
			continue
		}
		st := status.New(k.code, err.Error())
		info := &errdetails.ErrorInfo{Reason: k.reason, Domain: ErrorDomain, Metadata: map[string]string{}}
		var cerr *connection.Error
		if errors.As(err, &cerr) {
			if cerr.ConnectionID != "" {
				info.Metadata["connectionId"] = cerr.ConnectionID
			}
			if cerr.States != nil {
				info.Metadata["version"] = strconv.FormatInt(cerr.Version, 10)
				info.Metadata["reservationState"] = string(cerr.States.Reservation)
				info.Metadata["provisionState"] = string(cerr.States.Provision)
				info.Metadata["lifecycleState"] = string(cerr.States.Lifecycle)
				info.Metadata["dataPlaneActive"] = strconv.FormatBool(cerr.States.DataPlane.Active)
			}
		}
		if detailed, derr := st.WithDetails(info); derr == nil {
			st = detailed
		}
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatusError rebuilds a *connection.Error from a status produced by
// ToStatusError, so clients can use errors.Is with the connection package
// kinds. Other errors are returned unchanged.
func FromStatusError(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		var kind error
		for _, k := range kinds {
			if k.reason == info.GetReason() {
				kind = k.kind
			}
		}
		if kind == nil {
			return err
		}
		md := info.GetMetadata()
		cerr := &connection.Error{Kind: kind, ConnectionID: md["connectionId"], Err: errors.New(st.Message())}
		if v, ok := md["version"]; ok {
			cerr.Version, _ = strconv.ParseInt(v, 10, 64)
			active, _ := strconv.ParseBool(md["dataPlaneActive"])
			cerr.States = &core.States{
				Reservation: core.ReservationState(md["reservationState"]),
				Provision:   core.ProvisionState(md["provisionState"]),
				Lifecycle:   core.LifecycleState(md["lifecycleState"]),
				DataPlane:   core.DataPlaneStatus{Active: active},
			}
		}
		return cerr
	}
	return err
}
