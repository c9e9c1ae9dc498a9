package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrEmpty = errors.New("queue empty")

// SyncJob asks a worker to run one sync cycle for a provider. ReadyAt in the
// future makes it a delayed retry.
type SyncJob struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Reason     string    `json:"reason"`
	ReadyAt    time.Time `json:"ready_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Queue hands sync jobs from the coordinator to workers, honoring ReadyAt.
type Queue interface {
	Push(ctx context.Context, job *SyncJob) error
	PopDue(ctx context.Context, now time.Time) (*SyncJob, error)
	Length(ctx context.Context) (int64, error)
}

// RedisQueue stores jobs in a sorted set scored by ready-at time, so delayed
// retries and immediate jobs share one structure.
type RedisQueue struct {
	client    *redis.Client
	queueName string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:    client,
		queueName: "provider_syncs",
	}
}

func (q *RedisQueue) Push(ctx context.Context, job *SyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.client.ZAdd(ctx, q.queueName, redis.Z{
		Score:  float64(job.ReadyAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}

	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) (*SyncJob, error) {
	members, err := q.client.ZRangeByScore(ctx, q.queueName, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(members) == 0 {
		return nil, ErrEmpty
	}

	// Another worker may race us here; whoever removes the member wins.
	removed, err := q.client.ZRem(ctx, q.queueName, members[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if removed == 0 {
		return nil, ErrEmpty
	}

	var job SyncJob
	if err := json.Unmarshal([]byte(members[0]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueName).Result()
}

// MemoryQueue backs tests and single-process deployments.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []*SyncJob
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(ctx context.Context, job *SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	sort.SliceStable(q.jobs, func(i, j int) bool {
		return q.jobs[i].ReadyAt.Before(q.jobs[j].ReadyAt)
	})
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time) (*SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 || q.jobs[0].ReadyAt.After(now) {
		return nil, ErrEmpty
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *MemoryQueue) Length(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}
