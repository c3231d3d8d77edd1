package store_test

import (
	"context"
	"testing"

	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory(nil)
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()

	s := store.NewMemory(nil)
	ctx := context.Background()
	c, err := s.Create(ctx, storetest.Sample("gri"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Generations["reserveCheck"] = 99
	c.Criteria.Bandwidth = 1

	loaded, err := s.Load(ctx, c.ConnectionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Generations["reserveCheck"] != 0 || loaded.Criteria.Bandwidth != 10 {
		t.Fatalf("store shares state with caller: %+v", loaded)
	}
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.NewMemory(nil).Load(ctx, "x"); err == nil {
		t.Fatalf("expected context error")
	}
}
