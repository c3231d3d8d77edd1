// Package dispatch correlates accepted requests with their asynchronous
// confirmation and delivers each confirmation to the requester exactly once.
//
// Requesters that gave no callback address get their results recorded in a
// ResultStore instead, where they can be polled.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/timectrl"
)

// Notifier delivers one notification to a requester callback address.
type Notifier interface {
	Notify(ctx context.Context, replyTo string, n Notification) error
}

// Metrics receives dispatcher observations.
type Metrics interface {
	SetPending(n int)
	Delivered(op string)
	DeliveryFailed(op string)
	Recorded(op string)
}

// Handle identifies a pending reply.
type Handle struct {
	ID           string
	ConnectionID string
	Operation    Operation
}

type pendingReply struct {
	handle        Handle
	correlationID string
	replyTo       string
}

type delivery struct {
	handle  Handle
	replyTo string
	n       Notification
}

// Config configures a Dispatcher.
type Config struct {
	Notifier        Notifier
	Results         ResultStore
	Workers         int
	DeliveryTimeout time.Duration
	Clock           timectrl.Clock
	Log             logging.Logger
	Metrics         Metrics
}

// Dispatcher owns pending replies and the delivery workers.
type Dispatcher struct {
	notifier Notifier
	results  ResultStore
	workers  int
	timeout  time.Duration
	clock    timectrl.Clock
	log      logging.Logger
	metrics  Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string]*pendingReply
	queue    []delivery
	running  bool
	stopping bool
	group    *errgroup.Group
	baseCtx  context.Context
}

// New returns a dispatcher. Until Start is called deliveries run inline on
// the resolving goroutine.
func New(cfg Config) *Dispatcher {
	if cfg.Results == nil {
		cfg.Results = NewMemoryResults()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timectrl.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	d := &Dispatcher{
		notifier: cfg.Notifier,
		results:  cfg.Results,
		workers:  cfg.Workers,
		timeout:  cfg.DeliveryTimeout,
		clock:    cfg.Clock,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		pending:  make(map[string]*pendingReply),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// RegisterPending records that op on connectionID owes the requester a reply.
func (d *Dispatcher) RegisterPending(connectionID, correlationID, replyTo string, op Operation) Handle {
	h := Handle{ID: uuid.NewString(), ConnectionID: connectionID, Operation: op}
	d.mu.Lock()
	d.pending[h.ID] = &pendingReply{handle: h, correlationID: correlationID, replyTo: replyTo}
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPending(n)
	return h
}

// Pending returns the number of unresolved replies.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Resolve sends the outcome of a pending reply. It reports false, and does
// nothing, when h is unknown or was already resolved.
func (d *Dispatcher) Resolve(ctx context.Context, h Handle, outcome Outcome, details map[string]any) bool {
	d.mu.Lock()
	p, ok := d.pending[h.ID]
	if ok {
		delete(d.pending, h.ID)
	}
	n := len(d.pending)
	d.mu.Unlock()
	if !ok {
		d.log.Debug(ctx, "ignoring resolve of unknown pending reply",
			logging.String("handle", h.ID),
			logging.String("connection_id", h.ConnectionID))
		return false
	}
	d.metrics.SetPending(n)

	d.send(ctx, p.handle, p.replyTo, Notification{
		CorrelationID: p.correlationID,
		ConnectionID:  p.handle.ConnectionID,
		Operation:     p.handle.Operation,
		Outcome:       outcome,
		Details:       details,
		Time:          d.clock.Now(),
	})
	return true
}

// Notify sends a notification that has no pending reply: unsolicited events
// such as reserveTimeout, or outcomes whose pending reply was lost across a
// restart. Unsolicited events use OutcomeEvent.
func (d *Dispatcher) Notify(ctx context.Context, connectionID, correlationID, replyTo string, op Operation, outcome Outcome, details map[string]any) {
	h := Handle{ID: uuid.NewString(), ConnectionID: connectionID, Operation: op}
	d.send(ctx, h, replyTo, Notification{
		CorrelationID: correlationID,
		ConnectionID:  connectionID,
		Operation:     op,
		Outcome:       outcome,
		Details:       details,
		Time:          d.clock.Now(),
	})
}

// Results returns the recorded outcomes for connectionID.
func (d *Dispatcher) Results(ctx context.Context, connectionID string) ([]Notification, error) {
	return d.results.Results(ctx, connectionID)
}

// DeliveryFailed logs and counts a failed delivery. The notification is
// recorded for polling; it is never retried.
func (d *Dispatcher) DeliveryFailed(ctx context.Context, h Handle, n Notification, err error) {
	d.metrics.DeliveryFailed(string(h.Operation))
	d.log.Warn(ctx, "notification delivery failed",
		logging.String("handle", h.ID),
		logging.String("connection_id", h.ConnectionID),
		logging.String("method", n.Method()),
		logging.String("correlation_id", n.CorrelationID),
		logging.Err(err))

	n.DeliveryError = err.Error()
	if rerr := d.results.Record(ctx, n); rerr != nil {
		d.log.Error(ctx, "recording undelivered notification failed", logging.Err(rerr))
	}
}

func (d *Dispatcher) send(ctx context.Context, h Handle, replyTo string, n Notification) {
	if replyTo == "" || d.notifier == nil {
		if err := d.results.Record(ctx, n); err != nil {
			d.log.Error(ctx, "recording notification failed",
				logging.String("connection_id", n.ConnectionID),
				logging.String("method", n.Method()),
				logging.Err(err))
			return
		}
		d.metrics.Recorded(string(n.Operation))
		return
	}

	job := delivery{handle: h, replyTo: replyTo, n: n}
	d.mu.Lock()
	if d.running && !d.stopping {
		d.queue = append(d.queue, job)
		d.cond.Signal()
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.deliver(ctx, job)
}

func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, job.replyTo, job.n); err != nil {
		d.DeliveryFailed(ctx, job.handle, job.n, err)
		return
	}
	d.metrics.Delivered(string(job.n.Operation))
	d.log.Debug(ctx, "notification delivered",
		logging.String("connection_id", job.n.ConnectionID),
		logging.String("method", job.n.Method()),
		logging.String("reply_to", job.replyTo))
}

// Start launches the delivery workers. ctx supplies values such as the
// logger and trace context; cancelling it does not stop the workers, Stop
// does.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopping = false
	d.baseCtx = context.WithoutCancel(ctx)
	d.group = &errgroup.Group{}
	for i := 0; i < d.workers; i++ {
		d.group.Go(d.work)
	}
}

func (d *Dispatcher) work() error {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return nil
		}
		job := d.queue[0]
		d.queue[0] = delivery{}
		d.queue = d.queue[1:]
		ctx := d.baseCtx
		d.mu.Unlock()

		d.deliver(ctx, job)
	}
}

// Stop delivers everything already queued and then stops the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	d.cond.Broadcast()
	g := d.group
	d.mu.Unlock()

	_ = g.Wait()

	d.mu.Lock()
	d.running = false
	d.group = nil
	d.mu.Unlock()
}

type noopMetrics struct{}

func (noopMetrics) SetPending(int)        {}
func (noopMetrics) Delivered(string)      {}
func (noopMetrics) DeliveryFailed(string) {}
func (noopMetrics) Recorded(string)       {}
