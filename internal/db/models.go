package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeXAI       ProviderType = "xai"
)

type ProviderStatus string

const (
	StatusActive    ProviderStatus = "active"
	StatusInactive  ProviderStatus = "inactive"
	StatusSuspended ProviderStatus = "suspended"
)

type Provider struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Type         ProviderType   `json:"provider_type" db:"provider_type"`
	BaseURL      string         `json:"base_url" db:"base_url"`
	APIKey       string         `json:"-" db:"api_key"`
	Status       ProviderStatus `json:"status" db:"status"`
	LastSyncAt   *time.Time     `json:"last_sync_at" db:"last_sync_at"`
	SyncFailures int            `json:"sync_failures_count" db:"sync_failures_count"`
	Metadata     JSONB          `json:"metadata" db:"metadata"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// CanSync reports whether the sync orchestrator is allowed to touch this
// provider at all. Anything failing this predicate is classified as skipped.
func (p *Provider) CanSync() bool {
	return p.Status == StatusActive && p.APIKey != "" && p.BaseURL != ""
}

func (p *Provider) MonthlyUsageCost() float64 {
	return p.Metadata.Float("monthly_usage_cost")
}

func (p *Provider) MonthlyLimitCost() float64 {
	if v := p.Metadata.Float("monthly_limit_cost"); v > 0 {
		return v
	}
	return DefaultMonthlyLimit(p.Type)
}

func (p *Provider) InputTokens() int64 {
	return p.Metadata.Int("input_tokens")
}

func (p *Provider) OutputTokens() int64 {
	return p.Metadata.Int("output_tokens")
}

func (p *Provider) ImagesGenerated() int64 {
	return p.Metadata.Int("images_generated")
}

// UsagePercentage returns how much of the monthly cost limit has been
// consumed, rounded to one decimal place.
func (p *Provider) UsagePercentage() float64 {
	limit := p.MonthlyLimitCost()
	if limit == 0 {
		return 0
	}
	pct := (p.MonthlyUsageCost() / limit) * 100
	return float64(int(pct*10+0.5)) / 10
}

// SyncStatus is a coarse human-readable freshness label used by the API.
func (p *Provider) SyncStatus(now time.Time) string {
	switch {
	case p.LastSyncAt == nil:
		return "never_synced"
	case p.LastSyncAt.Before(now.Add(-1 * time.Hour)):
		return "stale"
	case p.SyncFailures > 3:
		return "failing"
	default:
		return "current"
	}
}

func DefaultMonthlyLimit(t ProviderType) float64 {
	switch t {
	case ProviderTypeAnthropic, ProviderTypeOpenAI:
		return 200.0
	case ProviderTypeXAI:
		return 100.0
	default:
		return 100.0
	}
}

type Plan struct {
	ID         string    `json:"id" db:"id"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Name       string    `json:"name" db:"name"`
	Details    JSONB     `json:"details" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

type UsageRecord struct {
	ID           string    `json:"id" db:"id"`
	ProviderID   string    `json:"provider_id" db:"provider_id"`
	RequestCount int       `json:"request_count" db:"request_count"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

type RateLimitSnapshot struct {
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Limit      int       `json:"limit" db:"limit_value"`
	Remaining  int       `json:"remaining" db:"remaining"`
	ResetAt    time.Time `json:"reset_at" db:"reset_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// SyncApply is the write set produced by one successful sync cycle. The
// repository applies it in a single transaction.
type SyncApply struct {
	PlanName     string
	PlanDetails  JSONB
	RequestCount int
	Timestamp    time.Time
	RateLimit    int
	Remaining    int
	ResetAt      time.Time
	Metadata     JSONB
}

// DailyUsage is one point of the weekly trend the API exposes.
type DailyUsage struct {
	Date     time.Time `json:"date" db:"day"`
	Requests int       `json:"requests" db:"requests"`
}

// JSONB maps to a PostgreSQL jsonb column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(value.([]byte), j)
}

// Float reads a numeric key, tolerating the float64/json.Number/int shapes
// that round-tripping through jsonb produces.
func (j JSONB) Float(key string) float64 {
	switch v := j[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func (j JSONB) Int(key string) int64 {
	return int64(j.Float(key))
}
