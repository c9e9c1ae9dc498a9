package scheduler

import (
	"context"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/metrics"
	"github.com/leozw/usage-guardian/internal/syncer"
	"go.uber.org/zap"
)

type Worker struct {
	id           int
	workQueue    <-chan *jobs.SyncJob
	repo         *db.Repository
	orchestrator *syncer.Orchestrator
	metrics      *metrics.Collector
	logger       *zap.Logger
}

func NewWorker(id int, workQueue <-chan *jobs.SyncJob, repo *db.Repository, orchestrator *syncer.Orchestrator, collector *metrics.Collector, logger *zap.Logger) *Worker {
	return &Worker{
		id:           id,
		workQueue:    workQueue,
		repo:         repo,
		orchestrator: orchestrator,
		metrics:      collector,
		logger:       logger.With(zap.Int("worker_id", id)),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case job, ok := <-w.workQueue:
			if !ok {
				w.logger.Info("Work queue closed")
				return
			}
			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *jobs.SyncJob) {
	start := time.Now()

	w.logger.Debug("Processing sync job",
		zap.String("job_id", job.ID),
		zap.String("provider_id", job.ProviderID),
		zap.String("reason", job.Reason),
	)

	outcome := w.orchestrator.SyncProvider(ctx, job.ProviderID)

	w.recordMetrics(ctx, job.ProviderID, outcome, time.Since(start))

	w.logger.Debug("Sync job completed",
		zap.String("job_id", job.ID),
		zap.String("provider_id", job.ProviderID),
		zap.String("outcome", string(outcome.Status)),
		zap.Duration("duration", time.Since(start)),
	)
}

func (w *Worker) recordMetrics(ctx context.Context, providerID string, outcome *syncer.Outcome, duration time.Duration) {
	provider, err := w.repo.GetProvider(ctx, providerID)
	if err != nil {
		return
	}

	w.metrics.RecordSync(provider, string(outcome.Status), duration)

	snapshot, err := w.repo.LatestRateLimit(ctx, providerID)
	if err != nil {
		w.logger.Debug("No rate limit snapshot for provider",
			zap.String("provider_id", providerID),
			zap.Error(err),
		)
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	requestsToday, err := w.repo.RequestCountBetween(ctx, providerID, dayStart, now)
	if err != nil {
		requestsToday = 0
	}

	w.metrics.RecordProviderState(provider, snapshot, requestsToday)
}
