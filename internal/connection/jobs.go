package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/model"
)

var _ scheduler.Runner = (*Manager)(nil)

func errStaleJob(c *model.Connection, kind model.JobKind) error {
	return fmt.Errorf("%w: %s for %s (generation %d, %s)",
		scheduler.ErrStale, kind, c.ConnectionID, c.Generation(kind), c.States)
}

// staleGuard rejects a job whose generation no longer matches the record.
func staleGuard(c *model.Connection, job scheduler.Job) error {
	if c.Generation(job.Kind) != job.Generation {
		return errStaleJob(c, job.Kind)
	}
	return nil
}

// RunJob handles a fired scheduler job. It shares the apply step, and so the
// version guard, with the protocol verbs. A stale job returns
// scheduler.ErrStale without touching the record.
func (m *Manager) RunJob(ctx context.Context, job scheduler.Job) (err error) {
	ctx, span := m.startSpan(ctx, "job."+string(job.Kind), job.ConnectionID)
	defer func() { endSpan(span, nil, err) }()
	defer m.forgetTimer(job)

	ctx = logging.ContextWithLogger(ctx, m.log.With(
		logging.String("connection_id", job.ConnectionID),
		logging.String("job", string(job.Kind))))

	switch job.Kind {
	case model.JobReserveCheck:
		_, err = m.checkReservation(ctx, job.ConnectionID, job.Generation)
	case model.JobReserveTimeout:
		err = m.reserveTimeout(ctx, job)
	case model.JobActivate:
		err = m.activate(ctx, job)
	case model.JobEndTime:
		err = m.endTime(ctx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return err
}

func (m *Manager) reserveTimeout(ctx context.Context, job scheduler.Job) error {
	saved, err := m.apply(ctx, job.ConnectionID, nil, func(c *model.Connection) error {
		if err := staleGuard(c, job); err != nil {
			return err
		}
		if c.States.Reservation != core.ReserveHeld {
			return errStaleJob(c, job.Kind)
		}
		next, err := c.States.OnReservation(core.EventTimeout)
		if err != nil {
			return err
		}
		c.States = next
		c.HoldExpiry = m.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}

	details := statusDetails(saved)
	details["timeoutValue"] = int64(m.cfg.HoldTimeout.Seconds())
	details["originatingConnectionId"] = saved.ConnectionID
	details["originatingNSA"] = saved.ProviderNSA
	m.notify(ctx, saved, dispatch.OpReserveTimeout, details)
	m.log.Info(ctx, "reservation hold timed out",
		logging.String("connection_id", saved.ConnectionID),
		logging.Int64("version", saved.Version))

	_, err = m.acknowledgeTimeout(ctx, saved)
	return err
}

// acknowledgeTimeout returns a timed out reservation to ReserveStart,
// discarding the criteria that were held.
func (m *Manager) acknowledgeTimeout(ctx context.Context, cur *model.Connection) (*model.Connection, error) {
	return m.applyInternal(ctx, cur.ConnectionID, func(c *model.Connection) error {
		if c.States.Reservation != core.ReserveTimeout {
			return settled("reservation", c.States.Reservation)
		}
		next, err := c.States.OnReservation(core.EventAcknowledge)
		if err != nil {
			return err
		}
		c.States = next
		c.Held = nil
		c.HoldExpiry = time.Time{}
		return nil
	})
}

func (m *Manager) activate(ctx context.Context, job scheduler.Job) error {
	now := m.clock.Now()
	var early bool
	saved, err := m.apply(ctx, job.ConnectionID, nil, func(c *model.Connection) error {
		if err := staleGuard(c, job); err != nil {
			return err
		}
		if c.States.DataPlane.Active || c.States.Lifecycle != core.Created || !now.Before(c.Criteria.EndTime) {
			return errStaleJob(c, job.Kind)
		}
		if now.Before(c.Criteria.StartTime) {
			// Fired early, e.g. after a modify moved the start time.
			early = true
			c.BumpGeneration(model.JobActivate)
			return nil
		}
		next, err := c.States.ActivateDataPlane()
		if err != nil {
			return err
		}
		c.States = next
		return nil
	})
	if err != nil {
		return err
	}
	if early {
		m.schedule(saved, model.JobActivate, saved.Criteria.StartTime)
		return nil
	}
	m.notify(ctx, saved, dispatch.OpDataPlaneStateChange, dataPlaneDetails(saved))
	m.log.Info(ctx, "data plane activated", logging.String("connection_id", saved.ConnectionID))
	return nil
}

func (m *Manager) endTime(ctx context.Context, job scheduler.Job) error {
	var wasActive bool
	saved, err := m.apply(ctx, job.ConnectionID, nil, func(c *model.Connection) error {
		if err := staleGuard(c, job); err != nil {
			return err
		}
		if c.States.Lifecycle != core.Created {
			return errStaleJob(c, job.Kind)
		}
		wasActive = c.States.DataPlane.Active
		next, err := c.States.OnLifecycle(core.EventEndTimeReached)
		if err != nil {
			return err
		}
		c.States = next.DeactivateDataPlane()
		c.BumpGeneration(model.JobActivate)
		return nil
	})
	if err != nil {
		return err
	}
	m.cancelTimers(job.ConnectionID, model.JobActivate)
	if wasActive {
		m.notify(ctx, saved, dispatch.OpDataPlaneStateChange, dataPlaneDetails(saved))
	}
	m.log.Info(ctx, "connection passed end time", logging.String("connection_id", saved.ConnectionID))
	return nil
}
