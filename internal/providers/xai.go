package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	xaiDefaultRateLimit = 1000
	xaiDefaultRemaining = 950
	xaiDefaultLimitUSD  = 100.0
)

// XAIClient follows the same shape as OpenAI's API with different
// endpoint payloads.
type XAIClient struct {
	cfg    Config
	client *http.Client
}

func NewXAIClient(cfg Config) *XAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.x.ai"
	}
	return &XAIClient{cfg: cfg, client: cfg.httpClient()}
}

func (c *XAIClient) TestConnection(ctx context.Context) error {
	resp, err := c.get(ctx, "/v1/models", nil)
	if err != nil {
		return fmt.Errorf("xai connection test: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if !reachable(resp.StatusCode) {
		return fmt.Errorf("xai connection test: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *XAIClient) FetchUsage(ctx context.Context) (*UsageReport, error) {
	now := time.Now()

	usage, err := c.getUsageData(ctx, now)
	if err != nil {
		return nil, err
	}

	billing, err := c.getBillingData(ctx)
	if err != nil {
		return nil, err
	}

	limits, err := c.getRateLimits(ctx)
	if err != nil {
		return nil, err
	}

	monthlyLimit := billing.MonthlyLimit
	if monthlyLimit == 0 {
		monthlyLimit = xaiDefaultLimitUSD
	}

	planName := billing.Plan
	if planName == "" {
		planName = "Grok Premium"
	}

	report := &UsageReport{
		PlanName: planName,
		PlanDetails: map[string]interface{}{
			"model_access":  []string{"grok-beta"},
			"monthly_limit": monthlyLimit,
			"billing_cycle": billing.BillingCycle,
		},
		RequestCount:       usage.requestsOn(now),
		InputTokens:        usage.tokenTotal("input"),
		OutputTokens:       usage.tokenTotal("output"),
		ImagesGenerated:    usage.imagesGenerated(),
		RateLimit:          limits.requests,
		RateLimitRemaining: limits.remaining,
		RateLimitReset:     limits.resetAt,
		MonthlyUsageCost:   billing.CurrentUsage,
		MonthlyLimitCost:   monthlyLimit,
	}
	return report, nil
}

type xaiUsage struct {
	Data []map[string]interface{} `json:"usage_data"`
}

func (u *xaiUsage) requestsOn(day time.Time) int {
	date := day.Format("2006-01-02")
	for _, d := range u.Data {
		if d["date"] == date {
			if n, ok := d["requests"].(float64); ok {
				return int(n)
			}
		}
	}
	return 0
}

func (u *xaiUsage) tokenTotal(kind string) int64 {
	var total int64
	for _, d := range u.Data {
		if n, ok := d[kind+"_tokens"].(float64); ok {
			total += int64(n)
		}
	}
	return total
}

func (u *xaiUsage) imagesGenerated() int64 {
	var total int64
	for _, d := range u.Data {
		if n, ok := d["images_generated"].(float64); ok {
			total += int64(n)
		}
	}
	return total
}

type xaiBilling struct {
	Plan         string  `json:"plan"`
	MonthlyLimit float64 `json:"monthly_limit"`
	CurrentUsage float64 `json:"current_usage"`
	BillingCycle string  `json:"billing_cycle"`
}

func (c *XAIClient) getUsageData(ctx context.Context, now time.Time) (*xaiUsage, error) {
	query := url.Values{
		"start_date": {monthStart(now).Format("2006-01-02")},
		"end_date":   {now.Format("2006-01-02")},
	}

	resp, err := c.get(ctx, "/v1/usage", query)
	if err != nil {
		return nil, fmt.Errorf("xai usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &xaiUsage{}, nil
	}

	var usage xaiUsage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return nil, fmt.Errorf("xai usage: malformed payload: %w", err)
	}
	return &usage, nil
}

func (c *XAIClient) getBillingData(ctx context.Context) (*xaiBilling, error) {
	resp, err := c.get(ctx, "/v1/billing", nil)
	if err != nil {
		return nil, fmt.Errorf("xai billing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &xaiBilling{Plan: "Grok Premium", MonthlyLimit: xaiDefaultLimitUSD}, nil
	}

	var billing xaiBilling
	if err := json.NewDecoder(resp.Body).Decode(&billing); err != nil {
		return nil, fmt.Errorf("xai billing: malformed payload: %w", err)
	}
	return &billing, nil
}

func (c *XAIClient) getRateLimits(ctx context.Context) (*rateLimitHeaders, error) {
	resp, err := c.get(ctx, "/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("xai rate limits: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	now := time.Now()
	return &rateLimitHeaders{
		requests:  headerInt(resp.Header, "x-ratelimit-limit-requests", xaiDefaultRateLimit),
		remaining: headerInt(resp.Header, "x-ratelimit-remaining-requests", xaiDefaultRemaining),
		resetAt:   parseResetTime(resp.Header.Get("x-ratelimit-reset-requests"), now),
	}, nil
}

func (c *XAIClient) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	return c.client.Do(req)
}
