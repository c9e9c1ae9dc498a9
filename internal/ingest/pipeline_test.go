package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	providerID string
	apply      *db.SyncApply
	err        error
}

func (s *fakeStore) ApplySync(ctx context.Context, providerID string, apply *db.SyncApply) error {
	s.providerID = providerID
	s.apply = apply
	return s.err
}

func testProvider() *db.Provider {
	return &db.Provider{
		ID:      "prov-1",
		Name:    "OpenAI Production",
		Type:    db.ProviderTypeOpenAI,
		BaseURL: "https://api.openai.com",
		APIKey:  "sk-test",
		Status:  db.StatusActive,
	}
}

func testReport() *providers.UsageReport {
	return &providers.UsageReport{
		PlanName:           "Pay-as-you-go",
		PlanDetails:        map[string]interface{}{"hard_limit_usd": 500.0},
		RequestCount:       120,
		InputTokens:        5000,
		OutputTokens:       1500,
		ImagesGenerated:    3,
		RateLimit:          5000,
		RateLimitRemaining: 4800,
		RateLimitReset:     time.Now().Add(6 * time.Minute),
		MonthlyUsageCost:   123.45,
		MonthlyLimitCost:   500.0,
	}
}

func TestIngestBuildsWriteSet(t *testing.T) {
	store := &fakeStore{}
	pipeline := NewPipeline(store, zap.NewNop())

	require.NoError(t, pipeline.Ingest(context.Background(), testProvider(), testReport()))
	require.NotNil(t, store.apply)
	assert.Equal(t, "prov-1", store.providerID)

	apply := store.apply
	assert.Equal(t, "Pay-as-you-go", apply.PlanName)
	assert.Equal(t, 120, apply.RequestCount)
	assert.Equal(t, 5000, apply.RateLimit)
	assert.Equal(t, 4800, apply.Remaining)

	// Plan details get the bookkeeping fields on top of the report's own.
	assert.Equal(t, 500.0, apply.PlanDetails["hard_limit_usd"])
	assert.Equal(t, 500.0, apply.PlanDetails["monthly_limit"])
	assert.Equal(t, "USD", apply.PlanDetails["currency"])
	assert.NotEmpty(t, apply.PlanDetails["last_updated"])

	assert.Equal(t, 123.45, apply.Metadata["monthly_usage_cost"])
	assert.Equal(t, int64(5000), apply.Metadata["input_tokens"])
	assert.Equal(t, int64(1500), apply.Metadata["output_tokens"])
	assert.Equal(t, int64(3), apply.Metadata["images_generated"])

	raw, ok := apply.Metadata["last_api_response"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Pay-as-you-go", raw["plan_name"])
	assert.NotContains(t, raw, "plan_details")
}

func TestIngestDefaultsMissingFields(t *testing.T) {
	store := &fakeStore{}
	pipeline := NewPipeline(store, zap.NewNop())

	report := &providers.UsageReport{RateLimitReset: time.Now()}
	require.NoError(t, pipeline.Ingest(context.Background(), testProvider(), report))

	assert.Equal(t, "Unknown", store.apply.PlanName)
	// openai default monthly limit.
	assert.Equal(t, 200.0, store.apply.Metadata["monthly_limit_cost"])
}

func TestIngestNilReport(t *testing.T) {
	store := &fakeStore{}
	pipeline := NewPipeline(store, zap.NewNop())

	err := pipeline.Ingest(context.Background(), testProvider(), nil)
	assert.ErrorIs(t, err, ErrEmptyReport)
	assert.Nil(t, store.apply)
}

func TestIngestPropagatesStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	pipeline := NewPipeline(store, zap.NewNop())

	err := pipeline.Ingest(context.Background(), testProvider(), testReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
