package connection

import (
	"context"
	"errors"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
)

// DataPlaneStatus answers queryDataPlaneStatus.
type DataPlaneStatus struct {
	ConnectionID string
	Version      int64
	Status       core.DataPlaneStatus
}

// Get returns the authoritative record. Terminated records remain readable.
func (m *Manager) Get(ctx context.Context, connectionID string) (*model.Connection, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	c, err := m.store.Load(sctx, connectionID)
	if err != nil {
		return nil, m.storeError(ctx, connectionID, err)
	}
	return c, nil
}

// QueryDataPlaneStatus reports whether the data plane is forwarding.
func (m *Manager) QueryDataPlaneStatus(ctx context.Context, connectionID string) (DataPlaneStatus, error) {
	c, err := m.Get(ctx, connectionID)
	if err != nil {
		return DataPlaneStatus{}, err
	}
	return DataPlaneStatus{
		ConnectionID: c.ConnectionID,
		Version:      c.Version,
		Status:       c.States.DataPlane,
	}, nil
}

// QuerySummary returns the records matching any of the given ids. With no
// ids every record is returned.
func (m *Manager) QuerySummary(ctx context.Context, connectionIDs, globalReservationIDs []string) ([]*model.Connection, error) {
	ctx, span := m.startSpan(ctx, "QuerySummary", "")
	defer span.End()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	out, err := m.store.List(sctx, store.Filter{
		ConnectionIDs:        connectionIDs,
		GlobalReservationIDs: globalReservationIDs,
	})
	if err != nil {
		return nil, &Error{Kind: ErrInternalStore, Err: err}
	}
	return out, nil
}

// QueryResults returns the outcomes recorded for a requester that polls.
func (m *Manager) QueryResults(ctx context.Context, connectionID string) ([]dispatch.Notification, error) {
	if _, err := m.Get(ctx, connectionID); err != nil {
		return nil, err
	}
	results, err := m.disp.Results(ctx, connectionID)
	if err != nil {
		return nil, &Error{Kind: ErrInternalStore, ConnectionID: connectionID, Err: err}
	}
	return results, nil
}

// Purge deletes a terminated record. Live records cannot be purged.
func (m *Manager) Purge(ctx context.Context, connectionID string) error {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	err := m.store.Delete(sctx, connectionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotTerminated):
		c, lerr := m.store.Load(sctx, connectionID)
		if lerr != nil {
			return m.storeError(ctx, connectionID, lerr)
		}
		return newError(ErrInvalidOperationForState, c, err)
	default:
		return m.storeError(ctx, connectionID, err)
	}
}
