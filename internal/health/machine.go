package health

import (
	"context"
	"fmt"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"go.uber.org/zap"
)

// Store is the slice of the repository the state machine needs.
type Store interface {
	ListProviders(ctx context.Context) ([]*db.Provider, error)
	IncrementSyncFailures(ctx context.Context, id string) (int, error)
	UpdateProviderStatus(ctx context.Context, id string, status db.ProviderStatus) error
	LatestRateLimit(ctx context.Context, providerID string) (*db.RateLimitSnapshot, error)
	RequestCountBetween(ctx context.Context, providerID string, from, to time.Time) (int, error)
}

type Config struct {
	StaleAfter        time.Duration
	SuspendThreshold  int
	ReactivateBelow   int
	WarnFailuresAbove int
	UsageAlertPercent float64
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:        4 * time.Hour,
		SuspendThreshold:  5,
		ReactivateBelow:   3,
		WarnFailuresAbove: 3,
		UsageAlertPercent: 90,
	}
}

// Machine drives provider status transitions. `inactive` is administrative
// and never touched here; `active` and `suspended` are revisited on every
// sweep and every failed sync cycle.
type Machine struct {
	store  Store
	logger *zap.Logger
	cfg    Config
}

func NewMachine(store Store, logger *zap.Logger, cfg Config) *Machine {
	if cfg.SuspendThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Machine{store: store, logger: logger, cfg: cfg}
}

// RecordFailure is called exactly once per ultimately-failed sync cycle.
// Crossing the threshold suspends immediately rather than waiting for the
// next sweep.
func (m *Machine) RecordFailure(ctx context.Context, provider *db.Provider) (int, error) {
	count, err := m.store.IncrementSyncFailures(ctx, provider.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment failure count: %w", err)
	}

	m.logger.Error("Sync failure recorded",
		zap.String("provider_id", provider.ID),
		zap.String("provider_name", provider.Name),
		zap.Int("failure_count", count),
	)

	if count >= m.cfg.SuspendThreshold && provider.Status != db.StatusInactive && provider.Status != db.StatusSuspended {
		if err := m.store.UpdateProviderStatus(ctx, provider.ID, db.StatusSuspended); err != nil {
			return count, fmt.Errorf("failed to suspend provider: %w", err)
		}
		m.logger.Warn("Provider auto-suspended after repeated sync failures",
			zap.String("provider_id", provider.ID),
			zap.String("provider_name", provider.Name),
			zap.Int("failure_count", count),
		)
	}

	return count, nil
}

// Sweep runs one evaluation cycle over every provider. A failure on one
// provider never aborts the rest.
func (m *Machine) Sweep(ctx context.Context) error {
	m.logger.Info("Starting provider health sweep")

	providers, err := m.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}

	for _, p := range providers {
		if _, err := m.Evaluate(ctx, p, time.Now()); err != nil {
			m.logger.Error("Health evaluation failed",
				zap.String("provider_id", p.ID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Completed provider health sweep", zap.Int("providers", len(providers)))
	return nil
}

// Evaluate applies the transition rules to one provider and returns the
// health issues found, if any.
func (m *Machine) Evaluate(ctx context.Context, p *db.Provider, now time.Time) ([]string, error) {
	if p.Status == db.StatusInactive {
		return nil, nil
	}

	// Highest priority: the failure-count invariant.
	if p.SyncFailures >= m.cfg.SuspendThreshold {
		if p.Status != db.StatusSuspended {
			if err := m.store.UpdateProviderStatus(ctx, p.ID, db.StatusSuspended); err != nil {
				return nil, err
			}
			m.logger.Warn("Provider suspended by health sweep",
				zap.String("provider_name", p.Name),
				zap.Int("failure_count", p.SyncFailures),
			)
		}
		return []string{fmt.Sprintf("High failure count (%d failures)", p.SyncFailures)}, nil
	}

	if p.Status == db.StatusSuspended {
		if p.SyncFailures < m.cfg.ReactivateBelow {
			if err := m.store.UpdateProviderStatus(ctx, p.ID, db.StatusActive); err != nil {
				return nil, err
			}
			m.logger.Info("Auto-reactivated provider",
				zap.String("provider_id", p.ID),
				zap.String("provider_name", p.Name),
			)
		}
		return nil, nil
	}

	issues, critical, err := m.collectIssues(ctx, p, now)
	if err != nil {
		return nil, err
	}

	if len(issues) == 0 {
		m.logger.Debug("Provider is healthy", zap.String("provider_name", p.Name))
		return nil, nil
	}

	m.logger.Warn("Provider health issues",
		zap.String("provider_id", p.ID),
		zap.String("provider_name", p.Name),
		zap.Strings("issues", issues),
	)

	if critical {
		if err := m.store.UpdateProviderStatus(ctx, p.ID, db.StatusSuspended); err != nil {
			return issues, err
		}
		m.logger.Error("Auto-suspended provider with critical health issues",
			zap.String("provider_id", p.ID),
			zap.String("provider_name", p.Name),
			zap.Strings("issues", issues),
		)
	}

	return issues, nil
}

func (m *Machine) collectIssues(ctx context.Context, p *db.Provider, now time.Time) ([]string, bool, error) {
	var issues []string
	critical := false

	switch {
	case p.LastSyncAt == nil:
		issues = append(issues, "Never synced")
	case p.LastSyncAt.Before(now.Add(-m.cfg.StaleAfter)):
		issues = append(issues, fmt.Sprintf("Sync is stale (last sync: %s ago)", now.Sub(*p.LastSyncAt).Round(time.Minute)))
	}

	if p.SyncFailures > m.cfg.WarnFailuresAbove {
		issues = append(issues, fmt.Sprintf("High failure count (%d failures)", p.SyncFailures))
		critical = true
	}

	snapshot, err := m.store.LatestRateLimit(ctx, p.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load rate limit snapshot: %w", err)
	}
	if snapshot != nil && snapshot.Limit > 0 && snapshot.Remaining == 0 {
		issues = append(issues, "Rate limit exhausted")
		critical = true
	}

	if pct := p.UsagePercentage(); pct > m.cfg.UsageAlertPercent {
		issues = append(issues, fmt.Sprintf("Monthly usage at %.1f%%", pct))
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	requests, err := m.store.RequestCountBetween(ctx, p.ID, monthStart, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count monthly requests: %w", err)
	}
	if requests == 0 {
		issues = append(issues, "No usage recorded this month")
	}

	return issues, critical, nil
}
