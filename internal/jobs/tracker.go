package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker enforces at-most-one in-flight sync per provider and answers the
// status snapshot's "is anything syncing" question.
type Tracker interface {
	// TryStart claims the provider's sync slot. Returns false when a sync
	// for the provider is already running.
	TryStart(ctx context.Context, providerID string) (bool, error)
	Finish(ctx context.Context, providerID string) error
	RunningCount(ctx context.Context) (int, error)
}

// RedisTracker coordinates exclusivity across processes using per-provider
// lock keys with a TTL so a crashed worker cannot wedge a provider forever.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) key(providerID string) string {
	return "sync:inflight:" + providerID
}

func (t *RedisTracker) TryStart(ctx context.Context, providerID string) (bool, error) {
	return t.client.SetNX(ctx, t.key(providerID), time.Now().Format(time.RFC3339), t.ttl).Result()
}

func (t *RedisTracker) Finish(ctx context.Context, providerID string) error {
	return t.client.Del(ctx, t.key(providerID)).Err()
}

func (t *RedisTracker) RunningCount(ctx context.Context) (int, error) {
	var count int
	iter := t.client.Scan(ctx, 0, "sync:inflight:*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}

// MemoryTracker backs tests and single-process deployments.
type MemoryTracker struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{running: make(map[string]bool)}
}

func (t *MemoryTracker) TryStart(ctx context.Context, providerID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running[providerID] {
		return false, nil
	}
	t.running[providerID] = true
	return true, nil
}

func (t *MemoryTracker) Finish(ctx context.Context, providerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, providerID)
	return nil
}

func (t *MemoryTracker) RunningCount(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running), nil
}
