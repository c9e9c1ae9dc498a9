package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"golang.org/x/time/rate"
)

var ErrUnknownProviderType = errors.New("unknown provider type")

// UsageReport is the normalized bundle every concrete client produces.
// The orchestrator and ingestion pipeline never see provider wire formats.
type UsageReport struct {
	PlanName           string
	PlanDetails        map[string]interface{}
	RequestCount       int
	InputTokens        int64
	OutputTokens       int64
	ImagesGenerated    int64
	RateLimit          int
	RateLimitRemaining int
	RateLimitReset     time.Time
	MonthlyUsageCost   float64
	MonthlyLimitCost   float64
}

// Client is implemented once per provider type. TestConnection returns nil
// when the credential and endpoint are usable; a 429 counts as reachable.
type Client interface {
	TestConnection(ctx context.Context) error
	FetchUsage(ctx context.Context) (*UsageReport, error)
}

// Config carries everything a client needs. No process-wide client state.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *rate.Limiter
}

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type Factory func(cfg Config) Client

type Registry struct {
	factories map[db.ProviderType]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[db.ProviderType]Factory{
			db.ProviderTypeOpenAI:    func(cfg Config) Client { return NewOpenAIClient(cfg) },
			db.ProviderTypeAnthropic: func(cfg Config) Client { return NewAnthropicClient(cfg) },
			db.ProviderTypeXAI:       func(cfg Config) Client { return NewXAIClient(cfg) },
		},
	}
}

// ClientFor resolves the client for a provider's type. An unknown type is a
// configuration problem, not a retryable failure.
func (r *Registry) ClientFor(p *db.Provider, cfg Config) (Client, error) {
	factory, ok := r.factories[p.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderType, p.Type)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.BaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = p.APIKey
	}
	return factory(cfg), nil
}

// headerInt reads an integer rate limit header, falling back when the
// provider omits it.
func headerInt(h http.Header, key string, fallback int) int {
	v := h.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// parseResetTime handles the reset formats seen in the wild: RFC3339
// timestamps, unix seconds, and Go-style durations ("6m0s"). Anything else
// falls back to an hour from now.
func parseResetTime(v string, now time.Time) time.Time {
	if v == "" {
		return now.Add(1 * time.Hour)
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d)
	}
	return now.Add(1 * time.Hour)
}

func reachable(statusCode int) bool {
	// 2xx means the credential works; 429 means rate limited but reachable.
	return (statusCode >= 200 && statusCode < 300) || statusCode == http.StatusTooManyRequests
}
