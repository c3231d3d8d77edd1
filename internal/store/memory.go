package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/supa/model"
)

// Memory is a thread-safe in-memory Store. Records are copied on the way in
// and out so callers never share mutable state with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*model.Connection
	now     func() time.Time
}

// NewMemory returns an empty store. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		records: make(map[string]*model.Connection),
		now:     now,
	}
}

func (m *Memory) Load(ctx context.Context, connectionID string) (*model.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.records[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, connectionID)
	}
	return c.Clone(), nil
}

func (m *Memory) Create(ctx context.Context, c *model.Connection) (*model.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := c.Clone()
	rec.ConnectionID = uuid.NewString()
	rec.Version = 0
	now := m.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	m.mu.Lock()
	m.records[rec.ConnectionID] = rec
	m.mu.Unlock()
	return rec.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, c *model.Connection, expectedVersion int64) (*model.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[c.ConnectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c.ConnectionID)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, c.ConnectionID, cur.Version, expectedVersion)
	}
	rec := c.Clone()
	rec.Version = expectedVersion + 1
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = m.now()
	m.records[rec.ConnectionID] = rec
	return rec.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]*model.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Connection, 0, len(m.records))
	for _, c := range m.records {
		if f.Match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.records[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, connectionID)
	}
	if !c.States.Terminated() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminated, connectionID, c.States.Lifecycle)
	}
	delete(m.records, connectionID)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
