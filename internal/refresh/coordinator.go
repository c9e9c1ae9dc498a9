package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/syncer"
	"go.uber.org/zap"
)

// Store is the slice of the repository the coordinator needs.
type Store interface {
	ListProvidersByStatus(ctx context.Context, status db.ProviderStatus) ([]*db.Provider, error)
	GetRefreshStats(ctx context.Context, recentWithin, staleAfter time.Duration, healthyMaxFailures int) (*db.RefreshStats, error)
}

// Syncer runs one provider's sync cycle.
type Syncer interface {
	SyncLoaded(ctx context.Context, provider *db.Provider) *syncer.Outcome
}

type Config struct {
	RecencyWindow        time.Duration
	RetryDelay           time.Duration
	SyncedRecentlyWithin time.Duration
	NeedsSyncAfter       time.Duration
	HealthyMaxFailures   int
}

func DefaultConfig() Config {
	return Config{
		RecencyWindow:        5 * time.Minute,
		RetryDelay:           2 * time.Minute,
		SyncedRecentlyWithin: 1 * time.Hour,
		NeedsSyncAfter:       15 * time.Minute,
		HealthyMaxFailures:   2,
	}
}

// Result buckets every provider touched by a smart refresh into exactly one
// of success, failed or skipped.
type Result struct {
	Success []*syncer.Outcome `json:"success"`
	Failed  []*syncer.Outcome `json:"failed"`
	Skipped []*syncer.Outcome `json:"skipped"`
}

type ScheduleResult struct {
	Message        string `json:"message"`
	ProvidersCount int    `json:"providers_count"`
}

type Status struct {
	TotalProviders int        `json:"total_providers"`
	SyncedRecently int        `json:"synced_recently"`
	NeedsSync      int        `json:"needs_sync"`
	Healthy        int        `json:"healthy"`
	LastGlobalSync *time.Time `json:"last_global_sync"`
	SyncInProgress bool       `json:"sync_in_progress"`
}

// Coordinator implements the two refresh policies and the status snapshot.
type Coordinator struct {
	store   Store
	syncer  Syncer
	queue   jobs.Queue
	tracker jobs.Tracker
	logger  *zap.Logger
	cfg     Config
}

func NewCoordinator(store Store, s Syncer, queue jobs.Queue, tracker jobs.Tracker, logger *zap.Logger, cfg Config) *Coordinator {
	if cfg.RecencyWindow == 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		store:   store,
		syncer:  s,
		queue:   queue,
		tracker: tracker,
		logger:  logger,
		cfg:     cfg,
	}
}

// RefreshAll is the smart sweep: sync every active provider except those
// synced within the recency window, then schedule delayed retries for the
// failures. It never returns an error to the caller.
func (c *Coordinator) RefreshAll(ctx context.Context) *Result {
	result := &Result{
		Success: []*syncer.Outcome{},
		Failed:  []*syncer.Outcome{},
		Skipped: []*syncer.Outcome{},
	}

	providers, err := c.store.ListProvidersByStatus(ctx, db.StatusActive)
	if err != nil {
		c.logger.Error("Failed to list providers for refresh", zap.Error(err))
		return result
	}

	now := time.Now()
	for _, p := range providers {
		outcome := c.refreshOne(ctx, p, now)
		switch outcome.Status {
		case syncer.OutcomeSuccess:
			result.Success = append(result.Success, outcome)
		case syncer.OutcomeFailed:
			result.Failed = append(result.Failed, outcome)
		default:
			result.Skipped = append(result.Skipped, outcome)
		}
	}

	c.scheduleRetries(ctx, result.Failed)

	c.logger.Info("Smart refresh completed",
		zap.Int("success", len(result.Success)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", len(result.Skipped)),
	)

	return result
}

func (c *Coordinator) refreshOne(ctx context.Context, p *db.Provider, now time.Time) *syncer.Outcome {
	if !p.CanSync() {
		return &syncer.Outcome{
			Status:       syncer.OutcomeSkipped,
			ProviderID:   p.ID,
			ProviderName: p.Name,
			Message:      fmt.Sprintf("Skipped %s: Missing API credentials", p.Name),
			Reason:       "Missing API credentials",
		}
	}

	// Anti-thundering-herd: leave recently synced providers alone.
	if p.LastSyncAt != nil && p.LastSyncAt.After(now.Add(-c.cfg.RecencyWindow)) {
		return &syncer.Outcome{
			Status:       syncer.OutcomeSkipped,
			ProviderID:   p.ID,
			ProviderName: p.Name,
			Message:      fmt.Sprintf("Skipped %s: Recently synced", p.Name),
			Reason:       "Recently synced",
		}
	}

	return c.syncer.SyncLoaded(ctx, p)
}

func (c *Coordinator) scheduleRetries(ctx context.Context, failed []*syncer.Outcome) {
	for _, outcome := range failed {
		job := &jobs.SyncJob{
			ID:         uuid.New().String(),
			ProviderID: outcome.ProviderID,
			Reason:     "retry",
			ReadyAt:    time.Now().Add(c.cfg.RetryDelay),
			CreatedAt:  time.Now(),
		}
		if err := c.queue.Push(ctx, job); err != nil {
			c.logger.Error("Failed to schedule retry",
				zap.String("provider_id", outcome.ProviderID),
				zap.Error(err),
			)
		}
	}
}

// ForceRefreshAll schedules a sync for every active provider regardless of
// recency and returns without waiting on any of them.
func (c *Coordinator) ForceRefreshAll(ctx context.Context) (*ScheduleResult, error) {
	providers, err := c.store.ListProvidersByStatus(ctx, db.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	now := time.Now()
	for _, p := range providers {
		job := &jobs.SyncJob{
			ID:         uuid.New().String(),
			ProviderID: p.ID,
			Reason:     "force",
			ReadyAt:    now,
			CreatedAt:  now,
		}
		if err := c.queue.Push(ctx, job); err != nil {
			c.logger.Error("Failed to schedule forced sync",
				zap.String("provider_id", p.ID),
				zap.Error(err),
			)
		}
	}

	return &ScheduleResult{
		Message:        "Forced refresh scheduled for all active providers",
		ProvidersCount: len(providers),
	}, nil
}

// GetStatus reports the coordinator's view of the fleet.
func (c *Coordinator) GetStatus(ctx context.Context) (*Status, error) {
	stats, err := c.store.GetRefreshStats(ctx, c.cfg.SyncedRecentlyWithin, c.cfg.NeedsSyncAfter, c.cfg.HealthyMaxFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh stats: %w", err)
	}

	running, err := c.tracker.RunningCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count in-flight syncs: %w", err)
	}

	return &Status{
		TotalProviders: stats.TotalActive,
		SyncedRecently: stats.SyncedRecently,
		NeedsSync:      stats.NeedsSync,
		Healthy:        stats.Healthy,
		LastGlobalSync: stats.LastGlobalSync,
		SyncInProgress: running > 0,
	}, nil
}
