package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/providers"
	"go.uber.org/zap"
)

// ErrEmptyReport marks an upstream data problem: the client produced no
// usable payload. The cycle counts as a sync failure and nothing is written.
var ErrEmptyReport = errors.New("empty usage report")

// Store is the slice of the repository the pipeline needs.
type Store interface {
	ApplySync(ctx context.Context, providerID string, apply *db.SyncApply) error
}

// Pipeline normalizes a client's report into the canonical write set and
// hands it to the store, which applies it in one transaction.
type Pipeline struct {
	store  Store
	logger *zap.Logger
}

func NewPipeline(store Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: store, logger: logger}
}

func (p *Pipeline) Ingest(ctx context.Context, provider *db.Provider, report *providers.UsageReport) error {
	if report == nil {
		return ErrEmptyReport
	}

	now := time.Now()

	planName := report.PlanName
	if planName == "" {
		planName = "Unknown"
	}

	monthlyLimit := report.MonthlyLimitCost
	if monthlyLimit == 0 {
		monthlyLimit = db.DefaultMonthlyLimit(provider.Type)
	}

	details := db.JSONB{}
	for k, v := range report.PlanDetails {
		details[k] = v
	}
	details["last_updated"] = now.Format(time.RFC3339)
	details["monthly_limit"] = monthlyLimit
	details["currency"] = "USD"

	apply := &db.SyncApply{
		PlanName:     planName,
		PlanDetails:  details,
		RequestCount: report.RequestCount,
		Timestamp:    now,
		RateLimit:    report.RateLimit,
		Remaining:    report.RateLimitRemaining,
		ResetAt:      report.RateLimitReset,
		Metadata: db.JSONB{
			"monthly_usage_cost": report.MonthlyUsageCost,
			"monthly_limit_cost": monthlyLimit,
			"input_tokens":       report.InputTokens,
			"output_tokens":      report.OutputTokens,
			"images_generated":   report.ImagesGenerated,
			"last_api_response": map[string]interface{}{
				"plan_name":            planName,
				"request_count":        report.RequestCount,
				"rate_limit":           report.RateLimit,
				"rate_limit_remaining": report.RateLimitRemaining,
				"rate_limit_reset":     report.RateLimitReset.Format(time.RFC3339),
				"monthly_usage_cost":   report.MonthlyUsageCost,
				"monthly_limit_cost":   monthlyLimit,
			},
		},
	}

	if err := p.store.ApplySync(ctx, provider.ID, apply); err != nil {
		return fmt.Errorf("failed to apply sync for %s: %w", provider.Name, err)
	}

	p.logger.Info("Ingested usage report",
		zap.String("provider_id", provider.ID),
		zap.String("provider_name", provider.Name),
		zap.String("plan", planName),
		zap.Int("request_count", report.RequestCount),
	)

	return nil
}
