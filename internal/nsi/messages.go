package nsi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/model"
)

// ErrMalformed marks a wire message that cannot be decoded. It wraps
// model.ErrValidation so the provider maps it to InvalidArgument.
var ErrMalformed = fmt.Errorf("%w: malformed message", model.ErrValidation)

const stpPrefix = "urn:ogf:network:"

// FormatSTP renders an endpoint as a service termination point URN,
// urn:ogf:network:<domain>:<networkType>:<port>?vlan=<vlan>.
func FormatSTP(e model.Endpoint) string {
	return fmt.Sprintf("%s%s:%s:%s?vlan=%d", stpPrefix, e.Domain, e.NetworkType, e.Port, e.VLAN)
}

// ParseSTP is the inverse of FormatSTP. The domain may itself contain
// colons; network type and port are the last two segments.
func ParseSTP(s string) (model.Endpoint, error) {
	rest, ok := strings.CutPrefix(s, stpPrefix)
	if !ok {
		return model.Endpoint{}, fmt.Errorf("%w: stp %q does not start with %s", ErrMalformed, s, stpPrefix)
	}
	rest, query, _ := strings.Cut(rest, "?")
	parts := strings.Split(rest, ":")
	if len(parts) < 3 {
		return model.Endpoint{}, fmt.Errorf("%w: stp %q needs domain, network type and port", ErrMalformed, s)
	}
	e := model.Endpoint{
		Domain:      strings.Join(parts[:len(parts)-2], ":"),
		NetworkType: parts[len(parts)-2],
		Port:        parts[len(parts)-1],
	}
	if query != "" {
		raw, ok := strings.CutPrefix(query, "vlan=")
		if !ok {
			return model.Endpoint{}, fmt.Errorf("%w: stp %q has unsupported label %q", ErrMalformed, s, query)
		}
		vlan, err := strconv.Atoi(raw)
		if err != nil {
			return model.Endpoint{}, fmt.Errorf("%w: stp %q vlan: %v", ErrMalformed, s, err)
		}
		e.VLAN = vlan
	}
	return e, nil
}

// reader pulls typed fields out of a Struct, collecting every problem.
type reader struct {
	fields map[string]*structpb.Value
	errs   []error
}

func newReader(s *structpb.Struct) *reader {
	return &reader{fields: s.GetFields()}
}

func (r *reader) fail(format string, args ...any) {
	r.errs = append(r.errs, fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...))
}

func (r *reader) err() error { return errors.Join(r.errs...) }

// get treats an explicit null like a missing field.
func (r *reader) get(key string) (*structpb.Value, bool) {
	v, ok := r.fields[key]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func (r *reader) has(key string) bool {
	_, ok := r.get(key)
	return ok
}

func (r *reader) str(key string) string {
	v, ok := r.get(key)
	if !ok {
		return ""
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		r.fail("%s must be a string", key)
		return ""
	}
	return s.StringValue
}

func (r *reader) num(key string) int64 {
	v, ok := r.get(key)
	if !ok {
		return 0
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != float64(int64(n.NumberValue)) {
		r.fail("%s must be an integer", key)
		return 0
	}
	return int64(n.NumberValue)
}

func (r *reader) flag(key string) bool {
	v, ok := r.get(key)
	if !ok {
		return false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		r.fail("%s must be a boolean", key)
		return false
	}
	return b.BoolValue
}

// timestamp reads an RFC 3339 timestamp and checks it is representable as a
// protobuf Timestamp.
func (r *reader) timestamp(key string) time.Time {
	raw := r.str(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		r.fail("%s: %v", key, err)
		return time.Time{}
	}
	if err := timestamppb.New(t).CheckValid(); err != nil {
		r.fail("%s: %v", key, err)
		return time.Time{}
	}
	return t.UTC()
}

func (r *reader) stp(key string) model.Endpoint {
	raw := r.str(key)
	if raw == "" {
		return model.Endpoint{}
	}
	e, err := ParseSTP(raw)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return e
}

func (r *reader) list(key string) []string {
	v, ok := r.get(key)
	if !ok {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		r.fail("%s must be a list", key)
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			r.fail("%s[%d] must be a string", key, i)
			continue
		}
		out = append(out, s.StringValue)
	}
	return out
}

func (r *reader) sub(key string) *reader {
	v, ok := r.get(key)
	if !ok {
		return &reader{}
	}
	s := v.GetStructValue()
	if s == nil {
		r.fail("%s must be an object", key)
		return &reader{}
	}
	return newReader(s)
}

func (r *reader) absorb(sub *reader) {
	r.errs = append(r.errs, sub.errs...)
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func criteriaMap(c model.Criteria) map[string]any {
	return map[string]any{
		"startTime":     formatTime(c.StartTime),
		"endTime":       formatTime(c.EndTime),
		"capacity":      c.Bandwidth,
		"symmetricPath": c.Symmetric,
		"sourceSTP":     FormatSTP(c.Source),
		"destSTP":       FormatSTP(c.Destination),
	}
}

func readCriteria(r *reader) model.Criteria {
	return model.Criteria{
		StartTime:   r.timestamp("startTime"),
		EndTime:     r.timestamp("endTime"),
		Bandwidth:   r.num("capacity"),
		Symmetric:   r.flag("symmetricPath"),
		Source:      r.stp("sourceSTP"),
		Destination: r.stp("destSTP"),
	}
}

// EncodeReserve renders a reserve request.
func EncodeReserve(req connection.ReserveRequest) (*structpb.Struct, error) {
	m := map[string]any{
		"correlationId":       req.CorrelationID,
		"globalReservationId": req.GlobalReservationID,
		"description":         req.Description,
		"protocolVersion":     req.ProtocolVersion,
		"requesterNSA":        req.RequesterNSA,
		"providerNSA":         req.ProviderNSA,
		"replyTo":             req.ReplyTo,
		"criteria":            criteriaMap(req.Criteria),
	}
	if req.ConnectionID != "" {
		m["connectionId"] = req.ConnectionID
	}
	if req.ExpectedVersion != nil {
		m["version"] = *req.ExpectedVersion
	}
	return structpb.NewStruct(m)
}

// DecodeReserve parses a reserve request. A version is only present on a
// modify.
func DecodeReserve(s *structpb.Struct) (connection.ReserveRequest, error) {
	r := newReader(s)
	req := connection.ReserveRequest{
		ConnectionID:        r.str("connectionId"),
		CorrelationID:       r.str("correlationId"),
		GlobalReservationID: r.str("globalReservationId"),
		Description:         r.str("description"),
		ProtocolVersion:     r.str("protocolVersion"),
		RequesterNSA:        r.str("requesterNSA"),
		ProviderNSA:         r.str("providerNSA"),
		ReplyTo:             r.str("replyTo"),
	}
	if r.has("version") {
		v := r.num("version")
		req.ExpectedVersion = &v
	}
	crit := r.sub("criteria")
	req.Criteria = readCriteria(crit)
	r.absorb(crit)
	return req, r.err()
}

// VerbRequest carries every verb other than reserve: the target connection,
// the version the requester last observed and the request's correlation id.
type VerbRequest struct {
	ConnectionID  string
	Version       int64
	CorrelationID string
}

// EncodeVerb renders a verb request.
func EncodeVerb(v VerbRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"connectionId":  v.ConnectionID,
		"version":       v.Version,
		"correlationId": v.CorrelationID,
	})
}

// DecodeVerb parses a verb request. Connection id and version are required.
func DecodeVerb(s *structpb.Struct) (VerbRequest, error) {
	r := newReader(s)
	v := VerbRequest{
		ConnectionID:  r.str("connectionId"),
		Version:       r.num("version"),
		CorrelationID: r.str("correlationId"),
	}
	if v.ConnectionID == "" {
		r.fail("connectionId is required")
	}
	if !r.has("version") {
		r.fail("version is required")
	}
	return v, r.err()
}

// QueryRequest selects connections by id or global reservation id.
type QueryRequest struct {
	ConnectionIDs        []string
	GlobalReservationIDs []string
}

// EncodeQuery renders a query request.
func EncodeQuery(q QueryRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"connectionId":        toList(q.ConnectionIDs),
		"globalReservationId": toList(q.GlobalReservationIDs),
	})
}

// DecodeQuery parses a query request.
func DecodeQuery(s *structpb.Struct) (QueryRequest, error) {
	r := newReader(s)
	q := QueryRequest{
		ConnectionIDs:        r.list("connectionId"),
		GlobalReservationIDs: r.list("globalReservationId"),
	}
	return q, r.err()
}

func listStruct(key string, values []*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		key: structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

func toList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func statesMap(s core.States) map[string]any {
	return map[string]any{
		"reservationState": string(s.Reservation),
		"provisionState":   string(s.Provision),
		"lifecycleState":   string(s.Lifecycle),
		"dataPlaneStatus": map[string]any{
			"active": s.DataPlane.Active,
			"error":  s.DataPlane.Error,
		},
	}
}

func readStates(r *reader) core.States {
	dp := r.sub("dataPlaneStatus")
	s := core.States{
		Reservation: core.ReservationState(r.str("reservationState")),
		Provision:   core.ProvisionState(r.str("provisionState")),
		Lifecycle:   core.LifecycleState(r.str("lifecycleState")),
		DataPlane: core.DataPlaneStatus{
			Active: dp.flag("active"),
			Error:  dp.flag("error"),
		},
	}
	r.absorb(dp)
	if !s.Valid() {
		r.fail("states %s are not valid", s)
	}
	return s
}

// EncodeConnection renders a connection record as a reservation summary.
func EncodeConnection(c *model.Connection) (*structpb.Struct, error) {
	m := map[string]any{
		"connectionId":        c.ConnectionID,
		"globalReservationId": c.GlobalReservationID,
		"correlationId":       c.CorrelationID,
		"description":         c.Description,
		"protocolVersion":     c.ProtocolVersion,
		"requesterNSA":        c.RequesterNSA,
		"providerNSA":         c.ProviderNSA,
		"version":             c.Version,
		"committed":           c.Committed,
		"criteria":            criteriaMap(c.Criteria),
		"connectionStates":    statesMap(c.States),
		"created":             formatTime(c.CreatedAt),
		"updated":             formatTime(c.UpdatedAt),
	}
	if c.Held != nil {
		m["heldCriteria"] = criteriaMap(*c.Held)
	}
	if !c.HoldExpiry.IsZero() {
		m["holdExpiry"] = formatTime(c.HoldExpiry)
	}
	return structpb.NewStruct(m)
}

// DecodeConnection parses a reservation summary.
func DecodeConnection(s *structpb.Struct) (*model.Connection, error) {
	r := newReader(s)
	c := &model.Connection{
		ConnectionID:        r.str("connectionId"),
		GlobalReservationID: r.str("globalReservationId"),
		CorrelationID:       r.str("correlationId"),
		Description:         r.str("description"),
		ProtocolVersion:     r.str("protocolVersion"),
		RequesterNSA:        r.str("requesterNSA"),
		ProviderNSA:         r.str("providerNSA"),
		Version:             r.num("version"),
		Committed:           r.flag("committed"),
		HoldExpiry:          r.timestamp("holdExpiry"),
		CreatedAt:           r.timestamp("created"),
		UpdatedAt:           r.timestamp("updated"),
	}
	crit := r.sub("criteria")
	c.Criteria = readCriteria(crit)
	r.absorb(crit)
	if r.has("heldCriteria") {
		held := r.sub("heldCriteria")
		h := readCriteria(held)
		c.Held = &h
		r.absorb(held)
	}
	states := r.sub("connectionStates")
	c.States = readStates(states)
	r.absorb(states)
	return c, r.err()
}

// EncodeConnections renders a query summary response.
func EncodeConnections(cs []*model.Connection) (*structpb.Struct, error) {
	values := make([]*structpb.Value, 0, len(cs))
	for _, c := range cs {
		s, err := EncodeConnection(c)
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return listStruct("reservation", values), nil
}

// DecodeConnections parses a query summary response.
func DecodeConnections(s *structpb.Struct) ([]*model.Connection, error) {
	var out []*model.Connection
	for i, item := range s.GetFields()["reservation"].GetListValue().GetValues() {
		sub := item.GetStructValue()
		if sub == nil {
			return nil, fmt.Errorf("%w: reservation[%d] must be an object", ErrMalformed, i)
		}
		c, err := DecodeConnection(sub)
		if err != nil {
			return nil, fmt.Errorf("reservation[%d]: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// EncodeDataPlaneStatus renders a queryDataPlaneStatus response.
func EncodeDataPlaneStatus(st connection.DataPlaneStatus) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"connectionId": st.ConnectionID,
		"version":      st.Version,
		"active":       st.Status.Active,
		"error":        st.Status.Error,
	})
}

// DecodeDataPlaneStatus parses a queryDataPlaneStatus response.
func DecodeDataPlaneStatus(s *structpb.Struct) (connection.DataPlaneStatus, error) {
	r := newReader(s)
	st := connection.DataPlaneStatus{
		ConnectionID: r.str("connectionId"),
		Version:      r.num("version"),
		Status: core.DataPlaneStatus{
			Active: r.flag("active"),
			Error:  r.flag("error"),
		},
	}
	return st, r.err()
}

// EncodeNotification renders an asynchronous notification.
func EncodeNotification(n dispatch.Notification) (*structpb.Struct, error) {
	m := map[string]any{
		"correlationId": n.CorrelationID,
		"connectionId":  n.ConnectionID,
		"operation":     string(n.Operation),
		"outcome":       string(n.Outcome),
		"timeStamp":     formatTime(n.Time),
	}
	if len(n.Details) > 0 {
		m["details"] = n.Details
	}
	if n.DeliveryError != "" {
		m["deliveryError"] = n.DeliveryError
	}
	return structpb.NewStruct(m)
}

// DecodeNotification parses an asynchronous notification. Numeric details
// come back as float64.
func DecodeNotification(s *structpb.Struct) (dispatch.Notification, error) {
	r := newReader(s)
	n := dispatch.Notification{
		CorrelationID: r.str("correlationId"),
		ConnectionID:  r.str("connectionId"),
		Operation:     dispatch.Operation(r.str("operation")),
		Outcome:       dispatch.Outcome(r.str("outcome")),
		Time:          r.timestamp("timeStamp"),
		DeliveryError: r.str("deliveryError"),
	}
	if d := s.GetFields()["details"].GetStructValue(); d != nil {
		n.Details = d.AsMap()
	}
	return n, r.err()
}

// EncodeNotifications renders a queryResult response.
func EncodeNotifications(ns []dispatch.Notification) (*structpb.Struct, error) {
	values := make([]*structpb.Value, 0, len(ns))
	for _, n := range ns {
		s, err := EncodeNotification(n)
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return listStruct("result", values), nil
}

// DecodeNotifications parses a queryResult response.
func DecodeNotifications(s *structpb.Struct) ([]dispatch.Notification, error) {
	var out []dispatch.Notification
	for i, item := range s.GetFields()["result"].GetListValue().GetValues() {
		sub := item.GetStructValue()
		if sub == nil {
			return nil, fmt.Errorf("%w: result[%d] must be an object", ErrMalformed, i)
		}
		n, err := DecodeNotification(sub)
		if err != nil {
			return nil, fmt.Errorf("result[%d]: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}
