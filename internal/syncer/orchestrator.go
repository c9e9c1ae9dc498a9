package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/providers"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome classifies one sync cycle for the refresh coordinator and the API.
type Outcome struct {
	Status       OutcomeStatus `json:"status"`
	ProviderID   string        `json:"provider_id"`
	ProviderName string        `json:"provider_name"`
	Message      string        `json:"message"`
	Reason       string        `json:"reason,omitempty"`
	SyncedAt     *time.Time    `json:"synced_at,omitempty"`
	Err          error         `json:"-"`
}

// Store is the slice of the repository the orchestrator needs.
type Store interface {
	GetProvider(ctx context.Context, id string) (*db.Provider, error)
}

// Ingestor applies a fetched report atomically.
type Ingestor interface {
	Ingest(ctx context.Context, provider *db.Provider, report *providers.UsageReport) error
}

// FailureRecorder feeds failed cycles to the health state machine.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, provider *db.Provider) (int, error)
}

type Config struct {
	MaxAttempts    int
	RequestTimeout time.Duration
	RequestsPerMin int
	Backoff        *ExponentialBackoff
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RequestTimeout: 30 * time.Second,
		RequestsPerMin: 30,
		Backoff:        DefaultBackoff(),
	}
}

// Orchestrator runs one provider's sync cycle: test connection, fetch,
// ingest, and update health. At most one cycle per provider is ever in
// flight; a second request for the same provider is classified skipped.
type Orchestrator struct {
	store    Store
	registry *providers.Registry
	pipeline Ingestor
	health   FailureRecorder
	tracker  jobs.Tracker
	logger   *zap.Logger
	cfg      Config
	limiter  *rate.Limiter
}

func NewOrchestrator(store Store, registry *providers.Registry, pipeline Ingestor, health FailureRecorder, tracker jobs.Tracker, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMin > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMin)), cfg.RequestsPerMin)
	}

	return &Orchestrator{
		store:    store,
		registry: registry,
		pipeline: pipeline,
		health:   health,
		tracker:  tracker,
		logger:   logger,
		cfg:      cfg,
		limiter:  limiter,
	}
}

func (o *Orchestrator) SyncProvider(ctx context.Context, providerID string) *Outcome {
	provider, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		return &Outcome{
			Status:     OutcomeSkipped,
			ProviderID: providerID,
			Message:    fmt.Sprintf("Skipped %s: provider not found", providerID),
			Reason:     "Provider not found",
		}
	}

	return o.SyncLoaded(ctx, provider)
}

// SyncLoaded runs the cycle for an already-loaded provider row.
func (o *Orchestrator) SyncLoaded(ctx context.Context, provider *db.Provider) *Outcome {
	if provider.Status != db.StatusActive {
		return skip(provider, "Provider not active")
	}
	if !provider.CanSync() {
		return skip(provider, "Missing API credentials")
	}

	client, err := o.registry.ClientFor(provider, providers.Config{
		Timeout: o.cfg.RequestTimeout,
		Limiter: o.limiter,
	})
	if err != nil {
		// Configuration problem, not a retryable failure.
		o.logger.Warn("No client for provider type",
			zap.String("provider_id", provider.ID),
			zap.String("provider_type", string(provider.Type)),
		)
		return skip(provider, fmt.Sprintf("Unknown provider type %q", provider.Type))
	}

	acquired, err := o.tracker.TryStart(ctx, provider.ID)
	if err != nil {
		return o.fail(ctx, provider, fmt.Errorf("failed to acquire sync slot: %w", err), false)
	}
	if !acquired {
		return skip(provider, "Sync already in progress")
	}
	defer func() {
		if err := o.tracker.Finish(ctx, provider.ID); err != nil {
			o.logger.Error("Failed to release sync slot",
				zap.String("provider_id", provider.ID),
				zap.Error(err),
			)
		}
	}()

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		lastErr = o.attempt(ctx, provider, client)
		if lastErr == nil {
			now := time.Now()
			o.logger.Info("Provider synced",
				zap.String("provider_id", provider.ID),
				zap.String("provider_name", provider.Name),
				zap.Int("attempt", attempt),
				zap.Duration("duration", now.Sub(start)),
			)
			return &Outcome{
				Status:       OutcomeSuccess,
				ProviderID:   provider.ID,
				ProviderName: provider.Name,
				Message:      fmt.Sprintf("Successfully refreshed %s", provider.Name),
				SyncedAt:     &now,
			}
		}

		o.logger.Warn("Sync attempt failed",
			zap.String("provider_id", provider.ID),
			zap.String("provider_name", provider.Name),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < o.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return o.fail(ctx, provider, ctx.Err(), true)
			case <-time.After(o.cfg.Backoff.Next(attempt - 1)):
			}
		}
	}

	return o.fail(ctx, provider, lastErr, true)
}

// attempt runs one test-connection, fetch, ingest sequence. The two network
// calls are the only blocking steps; ingestion is a local transaction.
func (o *Orchestrator) attempt(ctx context.Context, provider *db.Provider, client providers.Client) error {
	connCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	err := client.TestConnection(connCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 2*o.cfg.RequestTimeout)
	report, err := client.FetchUsage(fetchCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("usage fetch failed: %w", err)
	}

	if err := o.pipeline.Ingest(ctx, provider, report); err != nil {
		return err
	}

	return nil
}

// fail surfaces an exhausted cycle. The failure counter moves exactly once
// per cycle, never once per internal retry.
func (o *Orchestrator) fail(ctx context.Context, provider *db.Provider, cause error, record bool) *Outcome {
	if record {
		if _, err := o.health.RecordFailure(ctx, provider); err != nil {
			o.logger.Error("Failed to record sync failure",
				zap.String("provider_id", provider.ID),
				zap.Error(err),
			)
		}
	}

	return &Outcome{
		Status:       OutcomeFailed,
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		Message:      fmt.Sprintf("Failed to refresh %s: %v", provider.Name, cause),
		Err:          cause,
	}
}

func skip(provider *db.Provider, reason string) *Outcome {
	return &Outcome{
		Status:       OutcomeSkipped,
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		Message:      fmt.Sprintf("Skipped %s: %s", provider.Name, reason),
		Reason:       reason,
	}
}
