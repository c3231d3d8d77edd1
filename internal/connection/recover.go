package connection

import (
	"context"
	"time"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
)

// Recover runs once at startup, before requests are served. It finishes
// transitions interrupted by a crash and queues the jobs that only lived in
// memory. Pending replies are not restored; outcomes are sent from the record.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ctx, span := m.startSpan(ctx, "Recover", "")
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	records, err := m.store.List(sctx, store.Filter{ActiveOnly: true})
	cancel()
	if err != nil {
		return 0, &Error{Kind: ErrInternalStore, Err: err}
	}

	for _, c := range records {
		c = m.recoverOne(ctx, c)
		m.reschedule(c)
	}
	m.log.Info(ctx, "recovered connections", logging.Int("count", len(records)))
	return len(records), nil
}

func (m *Manager) recoverOne(ctx context.Context, c *model.Connection) *model.Connection {
	log := m.log.With(logging.String("connection_id", c.ConnectionID))

	if c.States.Lifecycle == core.Terminating {
		log.Info(ctx, "completing interrupted terminate")
		return m.finishTerminate(ctx, c)
	}

	switch c.States.Reservation {
	case core.ReserveCommitting:
		log.Info(ctx, "completing interrupted commit")
		c = m.finishCommit(ctx, c)
	case core.ReserveAborting:
		log.Info(ctx, "completing interrupted abort")
		c = m.finishAbort(ctx, c)
	case core.ReserveTimeout:
		log.Info(ctx, "acknowledging interrupted reservation timeout")
		if next, err := m.acknowledgeTimeout(ctx, c); err == nil {
			c = next
		} else {
			log.Warn(ctx, "acknowledge failed", logging.Err(err))
		}
	}

	switch c.States.Provision {
	case core.Provisioning:
		log.Info(ctx, "completing interrupted provision")
		c = m.finishProvision(ctx, c)
	case core.Releasing:
		log.Info(ctx, "completing interrupted release")
		c = m.finishRelease(ctx, c)
	}
	return c
}

// reschedule queues the jobs a record in its current state is waiting for,
// using the record's own generations so nothing stale is revived.
func (m *Manager) reschedule(c *model.Connection) {
	if c.States.Terminated() {
		return
	}
	now := m.clock.Now()

	switch c.States.Reservation {
	case core.ReserveChecking:
		m.schedule(c, model.JobReserveCheck, now)
	case core.ReserveHeld:
		due := c.HoldExpiry
		if due.IsZero() {
			due = now.Add(m.cfg.HoldTimeout)
		}
		m.schedule(c, model.JobReserveTimeout, due)
	}

	if !c.Committed || c.States.Lifecycle != core.Created {
		return
	}
	m.schedule(c, model.JobEndTime, c.Criteria.EndTime)
	if c.States.Provision == core.Provisioned && !c.States.DataPlane.Active {
		m.schedule(c, model.JobActivate, maxTime(c.Criteria.StartTime, now))
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
