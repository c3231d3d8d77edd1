package connection

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/model"
)

// restart drops every in-memory structure and keeps the store and clock.
func (h *harness) restart(cfg Config) {
	h.sched = scheduler.New(scheduler.Config{Clock: h.clock})
	h.notifier = &recordingNotifier{}
	h.disp = dispatch.New(dispatch.Config{Notifier: h.notifier, Clock: h.clock})
	if cfg.HoldTimeout == 0 {
		cfg.HoldTimeout = 2 * time.Minute
	}
	h.mgr = New(cfg, h.store, h.sched, h.disp, h.clock, nil)
}

// force writes states straight to the store, as a crash between two steps
// would leave them.
func (h *harness) force(c *model.Connection, mutate func(*model.Connection)) *model.Connection {
	h.t.Helper()
	next := c.Clone()
	mutate(next)
	saved, err := h.store.Update(context.Background(), next, c.Version)
	if err != nil {
		h.t.Fatalf("force update: %v", err)
	}
	return saved
}

func TestRecoverCompletesInterruptedCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.held(criteria("p", 100, 10*time.Minute, 20*time.Minute))
	c = h.force(c, func(c *model.Connection) {
		c.States.Reservation = core.ReserveCommitting
		c.BumpGeneration(model.JobReserveTimeout)
	})

	h.restart(Config{})
	n, err := h.mgr.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}

	got := h.load(c.ConnectionID)
	if got.States.Reservation != core.ReserveStart || !got.Committed || got.Version != c.Version+1 {
		t.Fatalf("after recover reservation=%s committed=%t version=%d", got.States.Reservation, got.Committed, got.Version)
	}
	if h.notifier.count("ReserveCommitConfirmed") != 1 {
		t.Fatalf("notifications = %v", h.notifier.methods())
	}
	if h.sched.Pending() == 0 {
		t.Fatalf("end time not rescheduled")
	}

	h.advance(20 * time.Minute)
	if got := h.load(c.ConnectionID); got.States.Lifecycle != core.PassedEndTime {
		t.Fatalf("lifecycle after end time = %s", got.States.Lifecycle)
	}
}

func TestRecoverReschedulesHoldAndActivation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{HoldTimeout: time.Minute})
	ctx := context.Background()

	held := h.held(criteria("a", 100, 10*time.Minute, 20*time.Minute))
	prov := h.committed(criteria("b", 100, 5*time.Minute, 20*time.Minute))
	prov, err := h.mgr.Provision(ctx, prov.ConnectionID, prov.Version, "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	terminating := h.committed(criteria("c", 100, 10*time.Minute, 20*time.Minute))
	terminating = h.force(terminating, func(c *model.Connection) {
		c.States.Lifecycle = core.Terminating
	})

	h.restart(Config{HoldTimeout: time.Minute})
	n, err := h.mgr.Recover(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if got := h.load(terminating.ConnectionID); got.States.Lifecycle != core.Terminated {
		t.Fatalf("terminating record ended in %s", got.States.Lifecycle)
	}

	h.advance(time.Minute)
	if got := h.load(held.ConnectionID); got.States.Reservation != core.ReserveStart {
		t.Fatalf("held record after hold expiry = %s", got.States.Reservation)
	}
	if h.notifier.count("ReserveTimeout") != 1 {
		t.Fatalf("notifications = %v", h.notifier.methods())
	}

	h.advance(4 * time.Minute)
	if got := h.load(prov.ConnectionID); !got.States.DataPlane.Active {
		t.Fatalf("provisioned record not activated after restart")
	}
}

func TestRecoverIgnoresTerminated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	c := h.committed(criteria("p", 100, 10*time.Minute, 20*time.Minute))
	if _, err := h.mgr.Terminate(context.Background(), c.ConnectionID, c.Version, ""); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	h.restart(Config{})
	n, err := h.mgr.Recover(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("jobs queued for a terminated connection")
	}
}

// TestRandomWalkKeepsStatesValid fires random verbs and clock advances and
// checks every persisted record.
func TestRandomWalkKeepsStatesValid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{HoldTimeout: 3 * time.Minute})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	versions := make(map[string]int64)
	var violations []string
	h.mgr.Subscribe(func(c *model.Connection) {
		if !c.States.Valid() {
			violations = append(violations, "invalid states "+c.States.String())
		}
		if c.States.DataPlane.Active && c.States.Provision != core.Provisioned {
			violations = append(violations, "active data plane while "+string(c.States.Provision))
		}
		if last, ok := versions[c.ConnectionID]; ok && c.Version != last+1 {
			violations = append(violations, "version skipped for "+c.ConnectionID)
		}
		versions[c.ConnectionID] = c.Version
	})

	var ids []string
	for i := 0; i < 4; i++ {
		port := string(rune('a' + i))
		c, err := h.mgr.Reserve(ctx, reserveRequest(criteria(port, 100, time.Duration(i)*time.Minute, 30*time.Minute)))
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		ids = append(ids, c.ConnectionID)
	}

	for step := 0; step < 300; step++ {
		id := ids[rng.Intn(len(ids))]
		cur := h.load(id)
		v := cur.Version
		switch rng.Intn(8) {
		case 0:
			_, _ = h.mgr.ReserveCommit(ctx, id, v, "")
		case 1:
			_, _ = h.mgr.ReserveAbort(ctx, id, v, "")
		case 2:
			_, _ = h.mgr.Provision(ctx, id, v, "")
		case 3:
			_, _ = h.mgr.Release(ctx, id, v, "")
		case 4:
			if rng.Intn(10) == 0 {
				_, _ = h.mgr.Terminate(ctx, id, v, "")
			}
		case 5:
			req := reserveRequest(cur.Criteria)
			req.ConnectionID = id
			req.ExpectedVersion = &v
			_, _ = h.mgr.Reserve(ctx, req)
		case 6:
			// Stale version.
			_, _ = h.mgr.ReserveCommit(ctx, id, v-1, "")
		default:
			h.advance(time.Duration(rng.Intn(90)) * time.Second)
		}
		h.runDue()
	}

	if len(violations) > 0 {
		t.Fatalf("%d violations, first: %s", len(violations), violations[0])
	}
}
