package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResultStore keeps notifications for requesters that poll instead of
// receiving callbacks.
type ResultStore interface {
	Record(ctx context.Context, n Notification) error
	Results(ctx context.Context, connectionID string) ([]Notification, error)
}

// MemoryResults is an in-process ResultStore.
type MemoryResults struct {
	mu      sync.RWMutex
	results map[string][]Notification
}

// NewMemoryResults returns an empty store.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{results: make(map[string][]Notification)}
}

func (m *MemoryResults) Record(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[n.ConnectionID] = append(m.results[n.ConnectionID], n)
	return nil
}

func (m *MemoryResults) Results(_ context.Context, connectionID string) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Notification(nil), m.results[connectionID]...), nil
}

// RedisResults stores notifications as JSON in a Redis list per connection so
// every provider replica can answer result queries.
type RedisResults struct {
	client      *redis.Client
	serviceName string
	ttl         time.Duration
}

// NewRedisResults connects to the Redis server described by url, for example
// redis://localhost:6379/0. A zero ttl keeps results forever.
func NewRedisResults(url, serviceName string, ttl time.Duration) (*RedisResults, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse result cache url: %w", err)
	}
	return &RedisResults{
		client:      redis.NewClient(opts),
		serviceName: serviceName,
		ttl:         ttl,
	}, nil
}

// GenerateKey builds the list key for a connection.
func (r *RedisResults) GenerateKey(connectionID string) string {
	return fmt.Sprintf("%s:results:%s", r.serviceName, connectionID)
}

func (r *RedisResults) Record(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := r.GenerateKey(n.ConnectionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record result for %s: %w", n.ConnectionID, err)
	}
	return nil
}

func (r *RedisResults) Results(ctx context.Context, connectionID string) ([]Notification, error) {
	raw, err := r.client.LRange(ctx, r.GenerateKey(connectionID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load results for %s: %w", connectionID, err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", connectionID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (r *RedisResults) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisResults) Close() error {
	return r.client.Close()
}
