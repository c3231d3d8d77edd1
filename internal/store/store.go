// Package store defines the durable record store for connections and an
// in-memory implementation of it.
//
// The store only offers individually atomic operations. Compare-and-swap on
// the version counter is what callers build their transactions from.
package store

import (
	"context"
	"errors"

	"github.com/signalsfoundry/supa/model"
)

var (
	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("connection not found")
	// ErrVersionConflict is returned by Update when the stored version no
	// longer matches the caller's expected version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotTerminated is returned by Delete for a record that is still live.
	ErrNotTerminated = errors.New("connection not terminated")
)

// Filter narrows List. Empty slices match every record.
type Filter struct {
	ConnectionIDs        []string
	GlobalReservationIDs []string
	// ActiveOnly skips terminated records.
	ActiveOnly bool
}

// Match reports whether c passes the filter. Connection and global
// reservation ids are OR-ed, as in a summary query.
func (f Filter) Match(c *model.Connection) bool {
	if f.ActiveOnly && c.States.Terminated() {
		return false
	}
	if len(f.ConnectionIDs) == 0 && len(f.GlobalReservationIDs) == 0 {
		return true
	}
	for _, id := range f.ConnectionIDs {
		if id == c.ConnectionID {
			return true
		}
	}
	for _, id := range f.GlobalReservationIDs {
		if id != "" && id == c.GlobalReservationID {
			return true
		}
	}
	return false
}

// Store persists connection records.
type Store interface {
	// Load returns a copy of the record or ErrNotFound.
	Load(ctx context.Context, connectionID string) (*model.Connection, error)
	// Create assigns a fresh ConnectionID, sets Version to 0 and persists c.
	Create(ctx context.Context, c *model.Connection) (*model.Connection, error)
	// Update persists c if the stored version equals expectedVersion. The
	// stored record gets Version expectedVersion+1.
	Update(ctx context.Context, c *model.Connection, expectedVersion int64) (*model.Connection, error)
	// List returns copies of the records matching f ordered by creation.
	List(ctx context.Context, f Filter) ([]*model.Connection, error)
	// Delete removes a terminated record. Live records are never deleted.
	Delete(ctx context.Context, connectionID string) error
	Close() error
}
