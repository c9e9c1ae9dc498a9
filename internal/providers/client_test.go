package providers

import (
	"net/http"
	"testing"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderInt(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "5000")
	h.Set("x-garbage", "not-a-number")

	assert.Equal(t, 5000, headerInt(h, "x-ratelimit-limit-requests", 3000))
	assert.Equal(t, 3000, headerInt(h, "x-missing", 3000))
	assert.Equal(t, 3000, headerInt(h, "x-garbage", 3000))
}

func TestParseResetTime(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	t.Run("rfc3339", func(t *testing.T) {
		got := parseResetTime("2026-08-27T13:30:00Z", now)
		assert.Equal(t, time.Date(2026, 8, 27, 13, 30, 0, 0, time.UTC), got)
	})

	t.Run("unix seconds", func(t *testing.T) {
		got := parseResetTime("1700000000", now)
		assert.Equal(t, time.Unix(1700000000, 0), got)
	})

	t.Run("duration", func(t *testing.T) {
		got := parseResetTime("6m0s", now)
		assert.Equal(t, now.Add(6*time.Minute), got)
	})

	t.Run("empty falls back an hour", func(t *testing.T) {
		got := parseResetTime("", now)
		assert.Equal(t, now.Add(time.Hour), got)
	})

	t.Run("garbage falls back an hour", func(t *testing.T) {
		got := parseResetTime("whenever", now)
		assert.Equal(t, now.Add(time.Hour), got)
	})
}

func TestReachable(t *testing.T) {
	assert.True(t, reachable(200))
	assert.True(t, reachable(204))
	assert.True(t, reachable(429))
	assert.False(t, reachable(401))
	assert.False(t, reachable(403))
	assert.False(t, reachable(500))
}

func TestRegistryClientFor(t *testing.T) {
	registry := NewRegistry()

	for _, pt := range []db.ProviderType{db.ProviderTypeOpenAI, db.ProviderTypeAnthropic, db.ProviderTypeXAI} {
		p := &db.Provider{Type: pt, BaseURL: "https://example.test", APIKey: "key"}
		client, err := registry.ClientFor(p, Config{})
		require.NoError(t, err, string(pt))
		assert.NotNil(t, client)
	}
}

func TestRegistryClientForUnknownType(t *testing.T) {
	registry := NewRegistry()
	p := &db.Provider{Type: "cohere"}

	_, err := registry.ClientFor(p, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProviderType)
}
