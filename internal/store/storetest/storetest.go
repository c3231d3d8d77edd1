// Package storetest holds the behaviour every store.Store must share. Each
// implementation runs Run from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
)

// Run exercises s through the store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAssignsIDAndVersionZero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := Sample("gri-1")
		in.Version = 42
		got, err := s.Create(ctx, in)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if got.ConnectionID == "" {
			t.Fatalf("expected generated connection id")
		}
		if got.Version != 0 {
			t.Fatalf("version = %d, want 0", got.Version)
		}
		if in.ConnectionID != "" {
			t.Fatalf("Create mutated its argument")
		}

		loaded, err := s.Load(ctx, got.ConnectionID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.GlobalReservationID != "gri-1" || loaded.States != got.States {
			t.Fatalf("loaded %+v, want %+v", loaded, got)
		}
		if !loaded.Criteria.StartTime.Equal(in.Criteria.StartTime) || loaded.Criteria.Source != in.Criteria.Source {
			t.Fatalf("criteria did not round-trip: %+v", loaded.Criteria)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Load(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Load missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateIsCompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c, err := s.Create(ctx, Sample("gri"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		c.States.Reservation = core.ReserveHeld
		held := c.Criteria
		held.Bandwidth = 20
		c.Held = &held
		c.HoldExpiry = c.Criteria.StartTime
		c.BumpGeneration(model.JobReserveTimeout)
		updated, err := s.Update(ctx, c, 0)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if updated.Version != 1 {
			t.Fatalf("version = %d, want 1", updated.Version)
		}
		if updated.Held == nil || updated.Held.Bandwidth != 20 {
			t.Fatalf("held criteria lost: %+v", updated.Held)
		}
		if updated.Generation(model.JobReserveTimeout) != 1 {
			t.Fatalf("generation = %d, want 1", updated.Generation(model.JobReserveTimeout))
		}
		if !updated.HoldExpiry.Equal(c.HoldExpiry) {
			t.Fatalf("hold expiry = %v, want %v", updated.HoldExpiry, c.HoldExpiry)
		}

		// Same expected version again loses.
		if _, err := s.Update(ctx, c, 0); !errors.Is(err, store.ErrVersionConflict) {
			t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
		}
		cur, err := s.Load(ctx, c.ConnectionID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cur.Version != 1 {
			t.Fatalf("rejected update changed version to %d", cur.Version)
		}

		missing := c.Clone()
		missing.ConnectionID = "nope"
		if _, err := s.Update(ctx, missing, 0); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("update missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConcurrentUpdatesOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c, err := s.Create(ctx, Sample("gri"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		const writers = 8
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, c, 0)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, store.ErrVersionConflict):
					conflicts.Add(1)
				default:
					t.Errorf("Update: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 || conflicts.Load() != writers-1 {
			t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins.Load(), conflicts.Load(), writers-1)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, _ := s.Create(ctx, Sample("gri-a"))
		b, _ := s.Create(ctx, Sample("gri-b"))
		term := Sample("gri-t")
		term.States.Lifecycle = core.Terminated
		tc, _ := s.Create(ctx, term)

		all, err := s.List(ctx, store.Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("List all = %d records, want 3", len(all))
		}

		got, err := s.List(ctx, store.Filter{ConnectionIDs: []string{a.ConnectionID}, GlobalReservationIDs: []string{"gri-b"}})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if ids := idSet(got); len(ids) != 2 || !ids[a.ConnectionID] || !ids[b.ConnectionID] {
			t.Fatalf("filtered ids = %v", ids)
		}

		active, err := s.List(ctx, store.Filter{ActiveOnly: true})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if ids := idSet(active); len(ids) != 2 || ids[tc.ConnectionID] {
			t.Fatalf("active ids = %v, terminated %s must be skipped", ids, tc.ConnectionID)
		}
	})

	t.Run("DeleteOnlyTerminated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		live, _ := s.Create(ctx, Sample("live"))
		if err := s.Delete(ctx, live.ConnectionID); !errors.Is(err, store.ErrNotTerminated) {
			t.Fatalf("Delete live err = %v, want ErrNotTerminated", err)
		}

		live.States.Lifecycle = core.Terminated
		if _, err := s.Update(ctx, live, 0); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := s.Delete(ctx, live.ConnectionID); err != nil {
			t.Fatalf("Delete terminated: %v", err)
		}
		if _, err := s.Load(ctx, live.ConnectionID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Load after delete err = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, live.ConnectionID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Delete twice err = %v, want ErrNotFound", err)
		}
	})
}

// Sample returns a valid freshly reserved connection.
func Sample(gri string) *model.Connection {
	start := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	return &model.Connection{
		GlobalReservationID: gri,
		CorrelationID:       "urn:uuid:corr",
		ProtocolVersion:     model.DefaultProtocolVersion,
		RequesterNSA:        "urn:ogf:network:requester:nsa",
		ProviderNSA:         "urn:ogf:network:example.domain:2001:nsa:supa",
		Criteria: model.Criteria{
			StartTime:   start,
			EndTime:     start.Add(10 * time.Minute),
			Bandwidth:   10,
			Symmetric:   true,
			Source:      model.Endpoint{Domain: "example.domain:2001", NetworkType: "topology", Port: "port1", VLAN: 1000},
			Destination: model.Endpoint{Domain: "example.domain:2001", NetworkType: "topology", Port: "port2", VLAN: 1000},
		},
		States:      core.InitialStates(),
		Generations: map[model.JobKind]int64{},
	}
}

func idSet(cs []*model.Connection) map[string]bool {
	out := make(map[string]bool, len(cs))
	for _, c := range cs {
		out[c.ConnectionID] = true
	}
	return out
}
