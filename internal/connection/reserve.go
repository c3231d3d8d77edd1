package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/model"
)

// ReserveRequest carries a reserve verb. An empty ConnectionID creates a new
// connection; otherwise it modifies the committed reservation of an existing
// one and ExpectedVersion is required.
type ReserveRequest struct {
	ConnectionID    string
	ExpectedVersion *int64

	CorrelationID       string
	GlobalReservationID string
	Description         string
	ProtocolVersion     string
	RequesterNSA        string
	ProviderNSA         string
	ReplyTo             string

	Criteria model.Criteria
}

// Reserve accepts a reservation request. The resource check runs as a
// scheduled job; its outcome is sent as reserveConfirmed or reserveFailed.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (c *model.Connection, err error) {
	ctx, span := m.startSpan(ctx, "Reserve", req.ConnectionID)
	defer func() { endSpan(span, c, err) }()

	if req.CorrelationID == "" {
		req.CorrelationID = "urn:uuid:" + uuid.NewString()
	}
	if req.ConnectionID == "" {
		if err := m.validateCriteria(req.Criteria); err != nil {
			return nil, &Error{Kind: ErrValidation, Err: err}
		}
		return m.create(ctx, req)
	}
	return m.modify(ctx, req)
}

func (m *Manager) validateCriteria(crit model.Criteria) error {
	if err := crit.Validate(); err != nil {
		return err
	}
	if m.cfg.DomainName == "" {
		return nil
	}
	var errs []error
	if crit.Source.Domain != m.cfg.DomainName {
		errs = append(errs, fmt.Errorf("%w: source domain %q is not served by this agent (%s)",
			model.ErrValidation, crit.Source.Domain, m.cfg.DomainName))
	}
	if crit.Destination.Domain != m.cfg.DomainName {
		errs = append(errs, fmt.Errorf("%w: destination domain %q is not served by this agent (%s)",
			model.ErrValidation, crit.Destination.Domain, m.cfg.DomainName))
	}
	return errors.Join(errs...)
}

func (m *Manager) create(ctx context.Context, req ReserveRequest) (*model.Connection, error) {
	rec := &model.Connection{
		CorrelationID:       req.CorrelationID,
		GlobalReservationID: req.GlobalReservationID,
		Description:         req.Description,
		ProtocolVersion:     req.ProtocolVersion,
		RequesterNSA:        req.RequesterNSA,
		ProviderNSA:         req.ProviderNSA,
		ReplyTo:             req.ReplyTo,
		Criteria:            req.Criteria,
		States:              core.InitialStates(),
		Generations:         make(map[model.JobKind]int64),
	}
	if rec.ProtocolVersion == "" {
		rec.ProtocolVersion = model.DefaultProtocolVersion
	}
	if rec.ProviderNSA == "" {
		rec.ProviderNSA = m.cfg.ProviderNSA
	}
	rec.BumpGeneration(model.JobReserveCheck)

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	saved, err := m.store.Create(sctx, rec)
	if err != nil {
		return nil, &Error{Kind: ErrInternalStore, Err: err}
	}
	m.publish(saved)

	m.expect(saved, dispatch.OpReserve)
	m.schedule(saved, model.JobReserveCheck, m.clock.Now())
	m.log.Info(ctx, "reservation created",
		logging.String("connection_id", saved.ConnectionID),
		logging.String("global_reservation_id", saved.GlobalReservationID),
		logging.String("correlation_id", saved.CorrelationID))
	return saved, nil
}

// modify reports a terminated connection before anything about the request
// itself, then validates, then applies under the caller's version.
func (m *Manager) modify(ctx context.Context, req ReserveRequest) (*model.Connection, error) {
	if err := m.ensureLive(ctx, req.ConnectionID); err != nil {
		return nil, err
	}
	if err := m.validateCriteria(req.Criteria); err != nil {
		return nil, &Error{Kind: ErrValidation, ConnectionID: req.ConnectionID, Err: err}
	}
	if req.ExpectedVersion == nil {
		return nil, &Error{Kind: ErrValidation, ConnectionID: req.ConnectionID,
			Err: fmt.Errorf("%w: version is required to modify a reservation", model.ErrValidation)}
	}
	saved, err := m.apply(ctx, req.ConnectionID, req.ExpectedVersion, func(c *model.Connection) error {
		if c.Committed {
			if !req.Criteria.Source.SameResource(c.Criteria.Source) || !req.Criteria.Destination.SameResource(c.Criteria.Destination) {
				return fmt.Errorf("%w: endpoints of a committed reservation cannot change", model.ErrValidation)
			}
		}
		next, err := c.States.OnReservation(core.EventReserve)
		if err != nil {
			return err
		}
		c.States = next
		if c.Committed {
			held := req.Criteria
			c.Held = &held
		} else {
			c.Criteria = req.Criteria
			c.Held = nil
		}
		c.CorrelationID = req.CorrelationID
		if req.ReplyTo != "" {
			c.ReplyTo = req.ReplyTo
		}
		if req.Description != "" {
			c.Description = req.Description
		}
		c.BumpGeneration(model.JobReserveCheck)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.expect(saved, dispatch.OpReserve)
	m.schedule(saved, model.JobReserveCheck, m.clock.Now())
	m.log.Info(ctx, "reservation modify accepted",
		logging.String("connection_id", saved.ConnectionID),
		logging.Int64("version", saved.Version))
	return saved, nil
}

// ensureLive fails with ErrConnectionAlreadyTerminated for a terminated record.
func (m *Manager) ensureLive(ctx context.Context, id string) error {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	cur, err := m.store.Load(sctx, id)
	if err != nil {
		return m.storeError(ctx, id, err)
	}
	if cur.States.Terminated() {
		return newError(ErrConnectionAlreadyTerminated, cur, nil)
	}
	return nil
}

// checkReservation runs the resource check for a record in ReserveChecking.
// The check and the write of its verdict hold checkMu, so a concurrent check
// always sees the claim this one grants.
func (m *Manager) checkReservation(ctx context.Context, id string, generation int64) (*model.Connection, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	cur, err := m.store.Load(sctx, id)
	cancel()
	if err != nil {
		return nil, m.storeError(ctx, id, err)
	}
	if cur.Generation(model.JobReserveCheck) != generation || cur.States.Reservation != core.ReserveChecking {
		return nil, errStaleJob(cur, model.JobReserveCheck)
	}

	verdict := m.checker.Check(ctx, cur.ConnectionID, cur.PendingCriteria())
	if verdict != nil && !errors.Is(verdict, ErrResourceUnavailable) {
		return nil, &Error{Kind: ErrInternalStore, ConnectionID: id, Err: verdict}
	}

	saved, err := m.applyInternal(ctx, id, func(c *model.Connection) error {
		if c.Generation(model.JobReserveCheck) != generation || c.States.Reservation != core.ReserveChecking {
			return errStaleJob(c, model.JobReserveCheck)
		}
		if verdict != nil {
			next, err := c.States.OnReservation(core.EventFailed)
			if err != nil {
				return err
			}
			c.States = next
			if c.Committed {
				c.Held = nil
			}
			return nil
		}
		next, err := c.States.OnReservation(core.EventConfirmed)
		if err != nil {
			return err
		}
		c.States = next
		c.HoldExpiry = m.clock.Now().Add(m.cfg.HoldTimeout)
		c.BumpGeneration(model.JobReserveTimeout)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if verdict != nil {
		details := statusDetails(saved)
		details["error"] = verdict.Error()
		m.complete(ctx, saved, dispatch.OpReserve, dispatch.OutcomeFailed, details)
		m.log.Info(ctx, "reservation failed resource check",
			logging.String("connection_id", saved.ConnectionID), logging.Err(verdict))
		return saved, nil
	}
	m.schedule(saved, model.JobReserveTimeout, saved.HoldExpiry)
	m.complete(ctx, saved, dispatch.OpReserve, dispatch.OutcomeConfirmed, nil)
	return saved, nil
}
