package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnthropicServer(t *testing.T, status int, headers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"pong"}]}`)
	}))
}

func TestAnthropicTestConnection(t *testing.T) {
	srv := newAnthropicServer(t, http.StatusOK, nil)
	defer srv.Close()

	client := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	assert.NoError(t, client.TestConnection(context.Background()))
}

func TestAnthropicTestConnectionRateLimitedIsReachable(t *testing.T) {
	srv := newAnthropicServer(t, http.StatusTooManyRequests, nil)
	defer srv.Close()

	client := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	assert.NoError(t, client.TestConnection(context.Background()))
}

func TestAnthropicFetchUsageDerivesConsumptionFromHeaders(t *testing.T) {
	srv := newAnthropicServer(t, http.StatusOK, map[string]string{
		"anthropic-ratelimit-requests-limit":     "1000",
		"anthropic-ratelimit-requests-remaining": "900",
		"anthropic-ratelimit-tokens-limit":       "40000",
		"anthropic-ratelimit-tokens-remaining":   "30000",
	})
	defer srv.Close()

	client := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	report, err := client.FetchUsage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Claude Pro", report.PlanName)
	assert.Equal(t, 100, report.RequestCount)
	assert.Equal(t, 1000, report.RateLimit)
	assert.Equal(t, 900, report.RateLimitRemaining)

	// 10000 tokens consumed, split 4:1 input to output.
	assert.Equal(t, int64(8000), report.InputTokens)
	assert.Equal(t, int64(2000), report.OutputTokens)

	// 8000 input at $3/MTok plus 2000 output at $15/MTok.
	assert.InDelta(t, 0.054, report.MonthlyUsageCost, 0.0001)
	assert.Equal(t, anthropicDefaultLimitUSD, report.MonthlyLimitCost)
}

func TestAnthropicFetchUsageDefaultsWithoutHeaders(t *testing.T) {
	srv := newAnthropicServer(t, http.StatusOK, nil)
	defer srv.Close()

	client := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	report, err := client.FetchUsage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, anthropicDefaultRateLimit, report.RateLimit)
	assert.Equal(t, anthropicDefaultRemaining, report.RateLimitRemaining)
	// 50 requests and 2000 tokens of default window consumption.
	assert.Equal(t, 50, report.RequestCount)
	assert.Equal(t, int64(1600), report.InputTokens)
	assert.Equal(t, int64(400), report.OutputTokens)
}

func TestAnthropicFetchUsageUnreachable(t *testing.T) {
	srv := newAnthropicServer(t, http.StatusUnauthorized, nil)
	defer srv.Close()

	client := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "sk-bad"})
	_, err := client.FetchUsage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestAnthropicNeverReportsNegativeConsumption(t *testing.T) {
	srv := newAnthropicServer(t, http.StatusOK, map[string]string{
		"anthropic-ratelimit-requests-limit":     "100",
		"anthropic-ratelimit-requests-remaining": "150",
	})
	defer srv.Close()

	client := NewAnthropicClient(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	report, err := client.FetchUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.RequestCount)
}
