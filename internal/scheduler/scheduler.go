package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/usage-guardian/internal/config"
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/health"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/metrics"
	"github.com/leozw/usage-guardian/internal/syncer"
	"go.uber.org/zap"
)

// Scheduler drives the periodic machinery: it queues due providers for the
// worker pool, drains the shared job queue (delayed retries, force refresh)
// and runs the health sweep.
type Scheduler struct {
	repo         *db.Repository
	orchestrator *syncer.Orchestrator
	machine      *health.Machine
	queue        jobs.Queue
	metrics      *metrics.Collector
	logger       *zap.Logger
	config       *config.Config
	workers      []*Worker
	wg           sync.WaitGroup
}

func NewScheduler(repo *db.Repository, orchestrator *syncer.Orchestrator, machine *health.Machine, queue jobs.Queue, collector *metrics.Collector, logger *zap.Logger, cfg *config.Config) *Scheduler {
	return &Scheduler{
		repo:         repo,
		orchestrator: orchestrator,
		machine:      machine,
		queue:        queue,
		metrics:      collector,
		logger:       logger,
		config:       cfg,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", zap.Int("worker_count", s.config.Sync.WorkerCount))

	workQueue := make(chan *jobs.SyncJob, 1000)
	s.workers = make([]*Worker, s.config.Sync.WorkerCount)

	for i := 0; i < s.config.Sync.WorkerCount; i++ {
		worker := NewWorker(i, workQueue, s.repo, s.orchestrator, s.metrics, s.logger)
		s.workers[i] = worker
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	sweepTicker := time.NewTicker(s.config.Sync.SweepInterval)
	defer sweepTicker.Stop()

	queueTicker := time.NewTicker(5 * time.Second)
	defer queueTicker.Stop()

	healthTicker := time.NewTicker(s.config.Health.SweepInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			close(workQueue)
			s.wg.Wait()
			return
		case <-sweepTicker.C:
			s.scheduleDueProviders(ctx, workQueue)
		case <-queueTicker.C:
			s.drainJobQueue(ctx, workQueue)
		case <-healthTicker.C:
			if err := s.machine.Sweep(ctx); err != nil {
				s.logger.Error("Health sweep failed", zap.Error(err))
			}
		}
	}
}

// scheduleDueProviders queues every syncable provider outside the recency
// window. The orchestrator's exclusivity check makes double-queuing safe.
func (s *Scheduler) scheduleDueProviders(ctx context.Context, workQueue chan<- *jobs.SyncJob) {
	providers, err := s.repo.ListProvidersByStatus(ctx, db.StatusActive)
	if err != nil {
		s.logger.Error("Failed to list providers to sync", zap.Error(err))
		return
	}

	now := time.Now()
	queued := 0
	for _, p := range providers {
		if !p.CanSync() {
			continue
		}
		if p.LastSyncAt != nil && p.LastSyncAt.After(now.Add(-s.config.Sync.RecencyWindow)) {
			continue
		}

		job := &jobs.SyncJob{
			ID:         uuid.New().String(),
			ProviderID: p.ID,
			Reason:     "scheduled",
			ReadyAt:    now,
			CreatedAt:  now,
		}

		select {
		case workQueue <- job:
			queued++
		default:
			s.logger.Warn("Work queue full, dropping sync",
				zap.String("provider_id", p.ID),
			)
		}
	}

	if queued > 0 {
		s.logger.Info("Scheduled provider syncs", zap.Int("count", queued))
	}
}

func (s *Scheduler) drainJobQueue(ctx context.Context, workQueue chan<- *jobs.SyncJob) {
	for {
		job, err := s.queue.PopDue(ctx, time.Now())
		if err != nil {
			if !errors.Is(err, jobs.ErrEmpty) {
				s.logger.Error("Failed to pop job", zap.Error(err))
			}
			return
		}

		select {
		case workQueue <- job:
		default:
			// Push back rather than drop; it will be due again next drain.
			if err := s.queue.Push(ctx, job); err != nil {
				s.logger.Error("Failed to requeue job", zap.Error(err))
			}
			return
		}
	}
}
