package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/model"
)

func setCorrelation(c *model.Connection, correlationID string) {
	if correlationID != "" {
		c.CorrelationID = correlationID
	}
}

// ReserveCommit commits a held reservation. The commit check runs inline, so
// a successful call persists two versions (Committing, then Start) and sends
// exactly one reserveCommitConfirmed.
func (m *Manager) ReserveCommit(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "ReserveCommit", connectionID)
	defer func() { endSpan(span, c, err) }()

	saved, err := m.apply(ctx, connectionID, &expectedVersion, func(c *model.Connection) error {
		next, err := c.States.OnReservation(core.EventCommit)
		if err != nil {
			return err
		}
		c.States = next
		setCorrelation(c, correlationID)
		c.HoldExpiry = time.Time{}
		c.BumpGeneration(model.JobReserveTimeout)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.cancelTimers(connectionID, model.JobReserveTimeout)
	m.expect(saved, dispatch.OpReserveCommit)
	return m.finishCommit(ctx, saved), nil
}

// finishFailed logs an internal step that did not persist. A step that was
// already settled elsewhere, e.g. by a concurrent Recover, is not an error.
func (m *Manager) finishFailed(ctx context.Context, step string, cur *model.Connection, err error) {
	if errors.Is(err, errSettled) {
		m.log.Debug(ctx, step+" already settled", logging.String("connection_id", cur.ConnectionID), logging.Err(err))
		return
	}
	m.log.Error(ctx, step+" not persisted", logging.String("connection_id", cur.ConnectionID), logging.Err(err))
}

func settled(machine string, state any) error {
	return fmt.Errorf("%w: %s state is %v", errSettled, machine, state)
}

// finishCommit moves a record out of ReserveCommitting. Other internal events
// may commit in between the two steps, so this step only requires the record
// to still be committing. Failures are logged; Recover completes the
// transition on restart.
func (m *Manager) finishCommit(ctx context.Context, cur *model.Connection) *model.Connection {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	verdict := m.checker.Check(ctx, cur.ConnectionID, cur.PendingCriteria())
	if verdict != nil && !errors.Is(verdict, ErrResourceUnavailable) {
		m.log.Error(ctx, "commit check failed", logging.String("connection_id", cur.ConnectionID), logging.Err(verdict))
		return cur
	}

	saved, err := m.applyInternal(ctx, cur.ConnectionID, func(c *model.Connection) error {
		if c.States.Reservation != core.ReserveCommitting {
			return settled("reservation", c.States.Reservation)
		}
		if verdict != nil {
			next, err := c.States.OnReservation(core.EventFailed)
			if err != nil {
				return err
			}
			c.States = next
			c.HoldExpiry = m.clock.Now().Add(m.cfg.HoldTimeout)
			c.BumpGeneration(model.JobReserveTimeout)
			return nil
		}
		next, err := c.States.OnReservation(core.EventConfirmed)
		if err != nil {
			return err
		}
		c.States = next
		c.Committed = true
		if c.Held != nil {
			c.Criteria = *c.Held
			c.Held = nil
		}
		c.BumpGeneration(model.JobEndTime)
		c.BumpGeneration(model.JobActivate)
		return nil
	})
	if err != nil {
		m.finishFailed(ctx, "commit confirmation", cur, err)
		return cur
	}

	if verdict != nil {
		m.schedule(saved, model.JobReserveTimeout, saved.HoldExpiry)
		details := statusDetails(saved)
		details["error"] = verdict.Error()
		m.complete(ctx, saved, dispatch.OpReserveCommit, dispatch.OutcomeFailed, details)
		return saved
	}

	m.schedule(saved, model.JobEndTime, saved.Criteria.EndTime)
	if saved.States.Provision == core.Provisioned {
		m.schedule(saved, model.JobActivate, saved.Criteria.StartTime)
	}
	m.complete(ctx, saved, dispatch.OpReserveCommit, dispatch.OutcomeConfirmed, nil)
	m.log.Info(ctx, "reservation committed",
		logging.String("connection_id", saved.ConnectionID),
		logging.Int64("version", saved.Version))
	return saved
}

// ReserveAbort discards a held reservation or modification.
func (m *Manager) ReserveAbort(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "ReserveAbort", connectionID)
	defer func() { endSpan(span, c, err) }()

	saved, err := m.apply(ctx, connectionID, &expectedVersion, func(c *model.Connection) error {
		next, err := c.States.OnReservation(core.EventAbort)
		if err != nil {
			return err
		}
		c.States = next
		setCorrelation(c, correlationID)
		c.HoldExpiry = time.Time{}
		c.BumpGeneration(model.JobReserveTimeout)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.cancelTimers(connectionID, model.JobReserveTimeout)
	m.expect(saved, dispatch.OpReserveAbort)
	return m.finishAbort(ctx, saved), nil
}

func (m *Manager) finishAbort(ctx context.Context, cur *model.Connection) *model.Connection {
	saved, err := m.applyInternal(ctx, cur.ConnectionID, func(c *model.Connection) error {
		if c.States.Reservation != core.ReserveAborting {
			return settled("reservation", c.States.Reservation)
		}
		next, err := c.States.OnReservation(core.EventConfirmed)
		if err != nil {
			return err
		}
		c.States = next
		c.Held = nil
		return nil
	})
	if err != nil {
		m.finishFailed(ctx, "abort confirmation", cur, err)
		return cur
	}
	m.complete(ctx, saved, dispatch.OpReserveAbort, dispatch.OutcomeConfirmed, nil)
	return saved
}

// provisionPrecondition guards the provision and release verbs: both need a
// committed reservation with no reserve or modify in flight.
func provisionPrecondition(c *model.Connection) error {
	if c.States.Reservation != core.ReserveStart || !c.Committed {
		return fmt.Errorf("%w: provision events need a committed reservation in %s, have %s (committed=%t)",
			errPrecondition, core.ReserveStart, c.States.Reservation, c.Committed)
	}
	return nil
}

// Provision activates the data plane of a committed reservation once its
// start time is reached.
func (m *Manager) Provision(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "Provision", connectionID)
	defer func() { endSpan(span, c, err) }()

	saved, err := m.apply(ctx, connectionID, &expectedVersion, func(c *model.Connection) error {
		if err := provisionPrecondition(c); err != nil {
			return err
		}
		if c.States.Lifecycle == core.Terminating {
			return fmt.Errorf("%w: connection is terminating", errPrecondition)
		}
		next, err := c.States.OnProvision(core.EventProvision)
		if err != nil {
			return err
		}
		c.States = next
		setCorrelation(c, correlationID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.expect(saved, dispatch.OpProvision)
	return m.finishProvision(ctx, saved), nil
}

func (m *Manager) finishProvision(ctx context.Context, cur *model.Connection) *model.Connection {
	saved, err := m.applyInternal(ctx, cur.ConnectionID, func(c *model.Connection) error {
		if c.States.Provision != core.Provisioning {
			return settled("provision", c.States.Provision)
		}
		next, err := c.States.OnProvision(core.EventConfirmed)
		if err != nil {
			return err
		}
		c.States = next
		c.BumpGeneration(model.JobActivate)
		return nil
	})
	if err != nil {
		m.finishFailed(ctx, "provision confirmation", cur, err)
		return cur
	}
	m.schedule(saved, model.JobActivate, saved.Criteria.StartTime)
	m.complete(ctx, saved, dispatch.OpProvision, dispatch.OutcomeConfirmed, nil)
	return saved
}

// Release takes the data plane down. Leaving Provisioned deactivates the
// data plane in the same persisted step.
func (m *Manager) Release(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "Release", connectionID)
	defer func() { endSpan(span, c, err) }()

	var wasActive bool
	saved, err := m.apply(ctx, connectionID, &expectedVersion, func(c *model.Connection) error {
		if err := provisionPrecondition(c); err != nil {
			return err
		}
		wasActive = c.States.DataPlane.Active
		next, err := c.States.OnProvision(core.EventRelease)
		if err != nil {
			return err
		}
		c.States = next
		setCorrelation(c, correlationID)
		c.BumpGeneration(model.JobActivate)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.cancelTimers(connectionID, model.JobActivate)
	if wasActive {
		m.notify(ctx, saved, dispatch.OpDataPlaneStateChange, dataPlaneDetails(saved))
	}
	m.expect(saved, dispatch.OpRelease)
	return m.finishRelease(ctx, saved), nil
}

func (m *Manager) finishRelease(ctx context.Context, cur *model.Connection) *model.Connection {
	saved, err := m.applyInternal(ctx, cur.ConnectionID, func(c *model.Connection) error {
		if c.States.Provision != core.Releasing {
			return settled("provision", c.States.Provision)
		}
		next, err := c.States.OnProvision(core.EventConfirmed)
		if err != nil {
			return err
		}
		c.States = next
		return nil
	})
	if err != nil {
		m.finishFailed(ctx, "release confirmation", cur, err)
		return cur
	}
	m.complete(ctx, saved, dispatch.OpRelease, dispatch.OutcomeConfirmed, nil)
	return saved
}

// Terminate ends the connection for good. Every queued job is invalidated.
func (m *Manager) Terminate(ctx context.Context, connectionID string, expectedVersion int64, correlationID string) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "Terminate", connectionID)
	defer func() { endSpan(span, c, err) }()

	var wasActive bool
	saved, err := m.apply(ctx, connectionID, &expectedVersion, func(c *model.Connection) error {
		wasActive = c.States.DataPlane.Active
		next, err := c.States.OnLifecycle(core.EventTerminate)
		if err != nil {
			return err
		}
		c.States = next
		setCorrelation(c, correlationID)
		c.HoldExpiry = time.Time{}
		for _, kind := range model.JobKinds() {
			c.BumpGeneration(kind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.cancelTimers(connectionID, model.JobKinds()...)
	if wasActive {
		m.notify(ctx, saved, dispatch.OpDataPlaneStateChange, dataPlaneDetails(saved))
	}
	m.expect(saved, dispatch.OpTerminate)
	return m.finishTerminate(ctx, saved), nil
}

func (m *Manager) finishTerminate(ctx context.Context, cur *model.Connection) *model.Connection {
	saved, err := m.applyInternal(ctx, cur.ConnectionID, func(c *model.Connection) error {
		if c.States.Lifecycle != core.Terminating {
			return settled("lifecycle", c.States.Lifecycle)
		}
		next, err := c.States.OnLifecycle(core.EventConfirmed)
		if err != nil {
			return err
		}
		c.States = next
		return nil
	})
	if err != nil {
		m.finishFailed(ctx, "terminate confirmation", cur, err)
		return cur
	}
	m.complete(ctx, saved, dispatch.OpTerminate, dispatch.OutcomeConfirmed, nil)
	m.log.Info(ctx, "connection terminated",
		logging.String("connection_id", saved.ConnectionID),
		logging.Int64("version", saved.Version))
	return saved
}

// DataPlaneFault records an error reported by the data plane. The connection
// moves to Failed and the requester receives an errorEvent.
func (m *Manager) DataPlaneFault(ctx context.Context, connectionID, reason string) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "DataPlaneFault", connectionID)
	defer func() { endSpan(span, c, err) }()

	var wasActive bool
	saved, err := m.apply(ctx, connectionID, nil, func(c *model.Connection) error {
		wasActive = c.States.DataPlane.Active
		if c.States.Lifecycle != core.Failed {
			next, err := c.States.OnLifecycle(core.EventError)
			if err != nil {
				return err
			}
			c.States = next
		}
		c.States = c.States.DataPlaneFault()
		c.BumpGeneration(model.JobActivate)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.cancelTimers(connectionID, model.JobActivate)
	if wasActive {
		m.notify(ctx, saved, dispatch.OpDataPlaneStateChange, dataPlaneDetails(saved))
	}
	details := statusDetails(saved)
	details["event"] = "dataplaneError"
	details["reason"] = reason
	m.notify(ctx, saved, dispatch.OpErrorEvent, details)
	m.log.Warn(ctx, "data plane fault",
		logging.String("connection_id", saved.ConnectionID),
		logging.String("reason", reason))
	return saved, nil
}

func dataPlaneDetails(c *model.Connection) map[string]any {
	return map[string]any{
		"version":    c.Version,
		"active":     c.States.DataPlane.Active,
		"error":      c.States.DataPlane.Error,
		"consistent": true,
	}
}
