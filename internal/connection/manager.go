// Package connection is the Connection Manager: it applies protocol verbs and
// scheduled events to connection records.
//
// Every change goes through one step: load the record, check it is not
// terminated, check the caller's expected version, fire the state machines on
// a copy, and write the copy back with a compare-and-swap on the version. No
// lock is held across that step; the store's conditional update is the only
// serialization point, so two racing requests produce one winner and one
// ErrVersionConflict.
//
// The one exception is the resource check. It reads every other record, so a
// check and the write of its verdict run under checkMu; otherwise two checks
// could each miss the other's claim.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
	"github.com/signalsfoundry/supa/timectrl"
)

const tracerName = "github.com/signalsfoundry/supa/internal/connection"

// Scheduler queues deferred events. *scheduler.Scheduler satisfies it.
type Scheduler interface {
	Schedule(due time.Time, connectionID string, kind model.JobKind, generation int64) scheduler.Handle
	Cancel(h scheduler.Handle)
}

// Dispatcher sends asynchronous outcomes. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	RegisterPending(connectionID, correlationID, replyTo string, op dispatch.Operation) dispatch.Handle
	Resolve(ctx context.Context, h dispatch.Handle, outcome dispatch.Outcome, details map[string]any) bool
	Notify(ctx context.Context, connectionID, correlationID, replyTo string, op dispatch.Operation, outcome dispatch.Outcome, details map[string]any)
	Results(ctx context.Context, connectionID string) ([]dispatch.Notification, error)
}

// Config holds the deployment-wide settings the manager needs.
type Config struct {
	// DomainName scopes which endpoints this agent accepts. Empty accepts all.
	DomainName  string
	ProviderNSA string
	// HoldTimeout is how long a held reservation waits for commit or abort.
	HoldTimeout time.Duration
	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// PortCapacity is the bandwidth limit per port in Mbit/s; 0 is unlimited.
	PortCapacity int64
}

// DefaultHoldTimeout is used when Config.HoldTimeout is not set.
const DefaultHoldTimeout = 120 * time.Second

type timerKey struct {
	connectionID string
	kind         model.JobKind
}

type replyKey struct {
	connectionID string
	op           dispatch.Operation
}

// Manager orchestrates connection records and their state machines.
type Manager struct {
	cfg     Config
	store   store.Store
	sched   Scheduler
	disp    Dispatcher
	checker *Checker
	clock   timectrl.Clock
	log     logging.Logger
	tracer  trace.Tracer

	// checkMu serializes resource checks with the write of their verdict.
	checkMu sync.Mutex

	mu      sync.Mutex
	timers  map[timerKey]scheduler.Handle
	replies map[replyKey]dispatch.Handle
	subs    []func(*model.Connection)
}

// New constructs a Manager. clock and log may be nil.
func New(cfg Config, st store.Store, sched Scheduler, disp Dispatcher, clock timectrl.Clock, log logging.Logger) *Manager {
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = DefaultHoldTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = timectrl.Real()
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		sched:   sched,
		disp:    disp,
		checker: NewChecker(st, cfg.PortCapacity),
		clock:   clock,
		log:     log,
		tracer:  otel.Tracer(tracerName),
		timers:  make(map[timerKey]scheduler.Handle),
		replies: make(map[replyKey]dispatch.Handle),
	}
}

// Subscribe registers a callback invoked with a copy of every persisted
// record. It returns an unsubscribe function.
func (m *Manager) Subscribe(fn func(*model.Connection)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	idx := len(m.subs) - 1

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < 0 || idx >= len(m.subs) {
			return
		}
		m.subs[idx] = nil
		idx = -1
	}
}

func (m *Manager) publish(c *model.Connection) {
	m.mu.Lock()
	subs := append([]func(*model.Connection){}, m.subs...)
	m.mu.Unlock()

	// Outside the lock so subscribers may call back into the manager.
	for _, sub := range subs {
		if sub != nil {
			sub(c.Clone())
		}
	}
}

// mutation changes a copy of the loaded record. Returning an error rejects
// the operation and nothing is written.
type mutation func(c *model.Connection) error

// apply is the single transactional step shared by verbs and jobs. expected
// is nil for internal events, which rely on generations instead.
func (m *Manager) apply(ctx context.Context, connectionID string, expected *int64, mutate mutation) (*model.Connection, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	cur, err := m.store.Load(sctx, connectionID)
	if err != nil {
		return nil, m.storeError(ctx, connectionID, err)
	}
	if cur.States.Terminated() {
		return nil, newError(ErrConnectionAlreadyTerminated, cur, nil)
	}
	if expected != nil && *expected != cur.Version {
		return nil, newError(ErrVersionConflict, cur,
			fmt.Errorf("expected version %d, stored version %d", *expected, cur.Version))
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, m.reject(cur, err)
	}
	if !next.States.Valid() {
		return nil, newError(ErrInvalidOperationForState, cur, fmt.Errorf("resulting states %s are inconsistent", next.States))
	}

	saved, err := m.store.Update(sctx, next, cur.Version)
	if err != nil {
		return nil, m.storeError(ctx, connectionID, err)
	}
	m.publish(saved)
	return saved, nil
}

// maxInternalAttempts bounds how often an internal step reloads the record
// after losing the compare-and-swap to another writer.
const maxInternalAttempts = 8

// errSettled is returned by an internal step whose record already left the
// transient state the step was meant to complete.
var errSettled = errors.New("transition already settled")

// applyInternal runs an internal event. Internal events carry no caller
// version, so a lost compare-and-swap is retried against the fresh record;
// the mutation must check the state it expects on every attempt.
func (m *Manager) applyInternal(ctx context.Context, connectionID string, mutate mutation) (*model.Connection, error) {
	var err error
	for range maxInternalAttempts {
		var saved *model.Connection
		saved, err = m.apply(ctx, connectionID, nil, mutate)
		if !errors.Is(err, ErrVersionConflict) {
			return saved, err
		}
	}
	return nil, err
}

// reject turns a mutation error into a protocol rejection carrying cur.
func (m *Manager) reject(cur *model.Connection, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrStale), errors.Is(err, errSettled):
		return err
	case errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrDataPlaneNotProvisioned),
		errors.Is(err, errPrecondition):
		return newError(ErrInvalidOperationForState, cur, err)
	case errors.Is(err, model.ErrValidation):
		return newError(ErrValidation, cur, err)
	default:
		return newError(ErrInternalStore, cur, err)
	}
}

// storeError maps a store failure. Conflicts are reported with the freshly
// loaded authoritative state when it can be read.
func (m *Manager) storeError(ctx context.Context, connectionID string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: ErrConnectionNotFound, ConnectionID: connectionID, Err: err}
	case errors.Is(err, store.ErrVersionConflict):
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
		defer cancel()
		if cur, lerr := m.store.Load(sctx, connectionID); lerr == nil {
			return newError(ErrVersionConflict, cur, err)
		}
		return &Error{Kind: ErrVersionConflict, ConnectionID: connectionID, Err: err}
	default:
		return &Error{Kind: ErrInternalStore, ConnectionID: connectionID, Err: err}
	}
}

// schedule queues kind for c at due using the record's current generation,
// replacing any job of the same kind queued earlier.
func (m *Manager) schedule(c *model.Connection, kind model.JobKind, due time.Time) {
	h := m.sched.Schedule(due, c.ConnectionID, kind, c.Generation(kind))
	key := timerKey{connectionID: c.ConnectionID, kind: kind}

	m.mu.Lock()
	old, ok := m.timers[key]
	m.timers[key] = h
	m.mu.Unlock()
	if ok {
		m.sched.Cancel(old)
	}
}

// cancelTimers cancels queued jobs. The generation bump persisted with the
// record is what actually makes them harmless; this only frees the queue.
func (m *Manager) cancelTimers(connectionID string, kinds ...model.JobKind) {
	var handles []scheduler.Handle
	m.mu.Lock()
	for _, kind := range kinds {
		key := timerKey{connectionID: connectionID, kind: kind}
		if h, ok := m.timers[key]; ok {
			handles = append(handles, h)
			delete(m.timers, key)
		}
	}
	m.mu.Unlock()
	for _, h := range handles {
		m.sched.Cancel(h)
	}
}

func (m *Manager) forgetTimer(job scheduler.Job) {
	key := timerKey{connectionID: job.ConnectionID, kind: job.Kind}
	m.mu.Lock()
	if h, ok := m.timers[key]; ok && h.ID == job.ID {
		delete(m.timers, key)
	}
	m.mu.Unlock()
}

// expect registers the pending reply owed for op on c.
func (m *Manager) expect(c *model.Connection, op dispatch.Operation) {
	h := m.disp.RegisterPending(c.ConnectionID, c.CorrelationID, c.ReplyTo, op)
	m.mu.Lock()
	m.replies[replyKey{connectionID: c.ConnectionID, op: op}] = h
	m.mu.Unlock()
}

// complete sends the outcome of op for c. When the pending reply was lost,
// for instance across a restart, the outcome is sent from the record.
func (m *Manager) complete(ctx context.Context, c *model.Connection, op dispatch.Operation, outcome dispatch.Outcome, details map[string]any) {
	key := replyKey{connectionID: c.ConnectionID, op: op}
	m.mu.Lock()
	h, ok := m.replies[key]
	delete(m.replies, key)
	m.mu.Unlock()

	if details == nil {
		details = statusDetails(c)
	}
	if ok && m.disp.Resolve(ctx, h, outcome, details) {
		return
	}
	m.disp.Notify(ctx, c.ConnectionID, c.CorrelationID, c.ReplyTo, op, outcome, details)
}

// notify sends an unsolicited event for c.
func (m *Manager) notify(ctx context.Context, c *model.Connection, op dispatch.Operation, details map[string]any) {
	m.disp.Notify(ctx, c.ConnectionID, c.CorrelationID, c.ReplyTo, op, dispatch.OutcomeEvent, details)
}

func (m *Manager) startSpan(ctx context.Context, name, connectionID string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "connection."+name)
	if connectionID != "" {
		span.SetAttributes(attribute.String("nsi.connection_id", connectionID))
	}
	return ctx, span
}

func endSpan(span trace.Span, c *model.Connection, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if c != nil {
		span.SetAttributes(
			attribute.String("nsi.connection_id", c.ConnectionID),
			attribute.Int64("nsi.version", c.Version),
			attribute.String("nsi.reservation_state", string(c.States.Reservation)),
		)
	}
	span.End()
}

// statusDetails is the default payload of a notification.
func statusDetails(c *model.Connection) map[string]any {
	return map[string]any{
		"version":          c.Version,
		"reservationState": string(c.States.Reservation),
		"provisionState":   string(c.States.Provision),
		"lifecycleState":   string(c.States.Lifecycle),
		"dataPlaneActive":  c.States.DataPlane.Active,
		"committed":        c.Committed,
	}
}
