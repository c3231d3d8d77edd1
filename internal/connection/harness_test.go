package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
	"github.com/signalsfoundry/supa/timectrl"
)

var epoch = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

const replyTo = "requester.example:9000"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []dispatch.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, n dispatch.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Method())
	}
	return out
}

func (r *recordingNotifier) count(method string) int {
	n := 0
	for _, m := range r.methods() {
		if m == method {
			n++
		}
	}
	return n
}

// failingStore fails every Update while fail is set. The hooks run after a
// successful Load or Update, outside the lock, and may call the manager.
type failingStore struct {
	store.Store
	mu        sync.Mutex
	fail      bool
	afterLoad func(*model.Connection)
	afterSave func(*model.Connection)
	listDelay time.Duration
}

func (f *failingStore) hooks() (load, save func(*model.Connection), delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterLoad, f.afterSave, f.listDelay
}

func (f *failingStore) Load(ctx context.Context, id string) (*model.Connection, error) {
	c, err := f.Store.Load(ctx, id)
	if load, _, _ := f.hooks(); err == nil && load != nil {
		load(c.Clone())
	}
	return c, err
}

func (f *failingStore) List(ctx context.Context, filter store.Filter) ([]*model.Connection, error) {
	cs, err := f.Store.List(ctx, filter)
	if _, _, delay := f.hooks(); delay > 0 {
		time.Sleep(delay)
	}
	return cs, err
}

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingStore) Update(ctx context.Context, c *model.Connection, expected int64) (*model.Connection, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("disk on fire")
	}
	saved, err := f.Store.Update(ctx, c, expected)
	if _, save, _ := f.hooks(); err == nil && save != nil {
		save(saved.Clone())
	}
	return saved, err
}

type harness struct {
	t        *testing.T
	clock    *timectrl.ManualClock
	store    *failingStore
	sched    *scheduler.Scheduler
	disp     *dispatch.Dispatcher
	notifier *recordingNotifier
	mgr      *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := timectrl.NewManualClock(epoch)
	st := &failingStore{Store: store.NewMemory(clock.Now)}
	sched := scheduler.New(scheduler.Config{Clock: clock})
	notifier := &recordingNotifier{}
	disp := dispatch.New(dispatch.Config{Notifier: notifier, Clock: clock})
	if cfg.HoldTimeout == 0 {
		cfg.HoldTimeout = 2 * time.Minute
	}
	return &harness{
		t:        t,
		clock:    clock,
		store:    st,
		sched:    sched,
		disp:     disp,
		notifier: notifier,
		mgr:      New(cfg, st, sched, disp, clock, nil),
	}
}

// runDue fires every due job inline.
func (h *harness) runDue() int {
	return h.sched.RunDue(context.Background(), h.mgr)
}

func (h *harness) advance(d time.Duration) int {
	h.clock.Advance(d)
	return h.runDue()
}

func (h *harness) load(id string) *model.Connection {
	h.t.Helper()
	c, err := h.mgr.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get(%s): %v", id, err)
	}
	return c
}

func criteria(port string, vlan int, start, end time.Duration) model.Criteria {
	return model.Criteria{
		StartTime:   epoch.Add(start),
		EndTime:     epoch.Add(end),
		Bandwidth:   10,
		Symmetric:   true,
		Source:      model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: port + "-a", VLAN: vlan},
		Destination: model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: port + "-b", VLAN: vlan},
	}
}

func reserveRequest(crit model.Criteria) ReserveRequest {
	return ReserveRequest{
		CorrelationID:       "urn:uuid:c1",
		GlobalReservationID: "urn:uuid:gri",
		RequesterNSA:        "urn:ogf:network:requester:nsa",
		ReplyTo:             replyTo,
		Criteria:            crit,
	}
}

// held reserves crit and runs the resource check.
func (h *harness) held(crit model.Criteria) *model.Connection {
	h.t.Helper()
	c, err := h.mgr.Reserve(context.Background(), reserveRequest(crit))
	if err != nil {
		h.t.Fatalf("Reserve: %v", err)
	}
	h.runDue()
	return h.load(c.ConnectionID)
}

// committed reserves and commits crit.
func (h *harness) committed(crit model.Criteria) *model.Connection {
	h.t.Helper()
	c := h.held(crit)
	out, err := h.mgr.ReserveCommit(context.Background(), c.ConnectionID, c.Version, "urn:uuid:commit")
	if err != nil {
		h.t.Fatalf("ReserveCommit: %v", err)
	}
	return out
}

func requireKind(t *testing.T, err, kind error) *Error {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want %v", err, kind)
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err %T is not *Error", err)
	}
	return cerr
}
