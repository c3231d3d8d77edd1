package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
)

// ErrResourceUnavailable is the verdict of a failed resource check.
var ErrResourceUnavailable = errors.New("resource unavailable")

// Checker decides whether requested criteria fit next to the reservations
// already held or committed.
type Checker struct {
	store    store.Store
	capacity int64
}

// NewChecker returns a checker over st. capacity is the bandwidth limit per
// port in Mbit/s; 0 disables the bandwidth check.
func NewChecker(st store.Store, capacity int64) *Checker {
	return &Checker{store: st, capacity: capacity}
}

// Check returns nil when crit can be granted to connectionID, an error
// wrapping ErrResourceUnavailable when it cannot, or a store error.
func (k *Checker) Check(ctx context.Context, connectionID string, crit model.Criteria) error {
	if k.capacity > 0 && crit.Bandwidth > k.capacity {
		return fmt.Errorf("%w: bandwidth %d exceeds port capacity %d", ErrResourceUnavailable, crit.Bandwidth, k.capacity)
	}

	others, err := k.store.List(ctx, store.Filter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}

	usage := make(map[model.Endpoint]int64)
	for _, other := range others {
		if other.ConnectionID == connectionID {
			continue
		}
		for _, claim := range claims(other) {
			if !claim.Overlaps(crit) {
				continue
			}
			for _, mine := range []model.Endpoint{crit.Source, crit.Destination} {
				for _, theirs := range []model.Endpoint{claim.Source, claim.Destination} {
					if mine.SameResource(theirs) {
						return fmt.Errorf("%w: %s is reserved by connection %s", ErrResourceUnavailable, mine, other.ConnectionID)
					}
					if mine.SamePort(theirs) {
						usage[portOf(mine)] += claim.Bandwidth
					}
				}
			}
		}
	}

	if k.capacity > 0 {
		for port, used := range usage {
			if used+crit.Bandwidth > k.capacity {
				return fmt.Errorf("%w: port %s has %d of %d Mbit/s in use", ErrResourceUnavailable, port, used, k.capacity)
			}
		}
	}
	return nil
}

// claims lists the criteria a record currently holds resources for.
func claims(c *model.Connection) []model.Criteria {
	holding := c.States.Reservation == core.ReserveHeld || c.States.Reservation == core.ReserveCommitting
	var out []model.Criteria
	if c.Committed || holding {
		out = append(out, c.Criteria)
	}
	if c.Held != nil && holding {
		out = append(out, *c.Held)
	}
	return out
}

func portOf(e model.Endpoint) model.Endpoint {
	e.VLAN = 0
	return e
}
