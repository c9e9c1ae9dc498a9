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
	openAIDefaultRateLimit = 3000
	openAIDefaultRemaining = 2950
	openAIDefaultLimitUSD  = 200.0
)

// OpenAIClient reads the usage and billing dashboard endpoints and the
// x-ratelimit-* response headers.
type OpenAIClient struct {
	cfg    Config
	client *http.Client
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &OpenAIClient{cfg: cfg, client: cfg.httpClient()}
}

func (c *OpenAIClient) TestConnection(ctx context.Context) error {
	resp, err := c.get(ctx, "/v1/models", nil)
	if err != nil {
		return fmt.Errorf("openai connection test: %w", err)
	}
	defer resp.Body.Close()

	if !reachable(resp.StatusCode) {
		return fmt.Errorf("openai connection test: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *OpenAIClient) FetchUsage(ctx context.Context) (*UsageReport, error) {
	now := time.Now()

	usage, err := c.getUsageData(ctx, now)
	if err != nil {
		return nil, err
	}

	billing, err := c.getBillingData(ctx, now)
	if err != nil {
		return nil, err
	}

	limits, err := c.getRateLimits(ctx)
	if err != nil {
		return nil, err
	}

	monthlyLimit := billing.HardLimitUSD
	if monthlyLimit == 0 {
		monthlyLimit = openAIDefaultLimitUSD
	}

	planName := billing.Plan
	if planName == "" {
		planName = "Pay-as-you-go"
	}

	report := &UsageReport{
		PlanName: planName,
		PlanDetails: map[string]interface{}{
			"hard_limit_usd":        billing.HardLimitUSD,
			"soft_limit_usd":        billing.SoftLimitUSD,
			"system_hard_limit_usd": billing.SystemHardLimitUSD,
			"access_until":          billing.AccessUntil,
		},
		RequestCount:       usage.requestsOn(now),
		InputTokens:        usage.tokenTotal("prompt"),
		OutputTokens:       usage.tokenTotal("completion"),
		ImagesGenerated:    usage.imagesGenerated(),
		RateLimit:          limits.requests,
		RateLimitRemaining: limits.remaining,
		RateLimitReset:     limits.resetAt,
		MonthlyUsageCost:   billing.TotalUsage,
		MonthlyLimitCost:   monthlyLimit,
	}
	return report, nil
}

type openAIUsage struct {
	Data []map[string]interface{} `json:"data"`
}

func (u *openAIUsage) requestsOn(day time.Time) int {
	date := day.Format("2006-01-02")
	for _, d := range u.Data {
		if d["date"] == date || d["aggregation_timestamp"] == date {
			if n, ok := d["n_requests"].(float64); ok {
				return int(n)
			}
		}
	}
	return 0
}

func (u *openAIUsage) tokenTotal(kind string) int64 {
	var total int64
	for _, d := range u.Data {
		if n, ok := d[kind+"_tokens"].(float64); ok {
			total += int64(n)
		}
	}
	return total
}

func (u *openAIUsage) imagesGenerated() int64 {
	var total int64
	for _, d := range u.Data {
		if n, ok := d["n_generated_images"].(float64); ok {
			total += int64(n)
		}
	}
	return total
}

type openAIBilling struct {
	Plan               string  `json:"plan"`
	HardLimitUSD       float64 `json:"hard_limit_usd"`
	SoftLimitUSD       float64 `json:"soft_limit_usd"`
	SystemHardLimitUSD float64 `json:"system_hard_limit_usd"`
	AccessUntil        float64 `json:"access_until"`
	TotalUsage         float64 `json:"total_usage"`
}

type rateLimitHeaders struct {
	requests  int
	remaining int
	resetAt   time.Time
}

func (c *OpenAIClient) getUsageData(ctx context.Context, now time.Time) (*openAIUsage, error) {
	query := url.Values{
		"start_date": {monthStart(now).Format("2006-01-02")},
		"end_date":   {now.Format("2006-01-02")},
	}

	resp, err := c.get(ctx, "/v1/usage", query)
	if err != nil {
		return nil, fmt.Errorf("openai usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Not every account exposes the usage endpoint; treat as empty.
		io.Copy(io.Discard, resp.Body)
		return &openAIUsage{}, nil
	}

	var usage openAIUsage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return nil, fmt.Errorf("openai usage: malformed payload: %w", err)
	}
	return &usage, nil
}

func (c *OpenAIClient) getBillingData(ctx context.Context, now time.Time) (*openAIBilling, error) {
	resp, err := c.get(ctx, "/v1/dashboard/billing/subscription", nil)
	if err != nil {
		return nil, fmt.Errorf("openai billing: %w", err)
	}
	defer resp.Body.Close()

	billing := &openAIBilling{}
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(billing); err != nil {
			return nil, fmt.Errorf("openai billing: malformed payload: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
		billing.Plan = "Unknown"
		billing.HardLimitUSD = openAIDefaultLimitUSD
	}

	query := url.Values{
		"start_date": {monthStart(now).Format("2006-01-02")},
		"end_date":   {now.Format("2006-01-02")},
	}
	usageResp, err := c.get(ctx, "/v1/dashboard/billing/usage", query)
	if err != nil {
		return nil, fmt.Errorf("openai billing usage: %w", err)
	}
	defer usageResp.Body.Close()

	if usageResp.StatusCode == http.StatusOK {
		var body struct {
			TotalUsage float64 `json:"total_usage"`
		}
		if err := json.NewDecoder(usageResp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("openai billing usage: malformed payload: %w", err)
		}
		// The billing API reports cents.
		billing.TotalUsage = body.TotalUsage / 100.0
	} else {
		io.Copy(io.Discard, usageResp.Body)
	}

	return billing, nil
}

func (c *OpenAIClient) getRateLimits(ctx context.Context) (*rateLimitHeaders, error) {
	resp, err := c.get(ctx, "/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openai rate limits: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	now := time.Now()
	return &rateLimitHeaders{
		requests:  headerInt(resp.Header, "x-ratelimit-limit-requests", openAIDefaultRateLimit),
		remaining: headerInt(resp.Header, "x-ratelimit-remaining-requests", openAIDefaultRemaining),
		resetAt:   parseResetTime(resp.Header.Get("x-ratelimit-reset-requests"), now),
	}, nil
}

func (c *OpenAIClient) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
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

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}
