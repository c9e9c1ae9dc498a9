package metrics

import (
	"time"

	"github.com/leozw/usage-guardian/internal/config"
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	config *config.RemoteWriteConfig

	// Sync cycle metrics
	syncsTotal   *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncFailures *prometheus.GaugeVec

	// Provider state metrics
	providerActive     *prometheus.GaugeVec
	rateLimitTotal     *prometheus.GaugeVec
	rateLimitRemaining *prometheus.GaugeVec
	monthlyUsageCost   *prometheus.GaugeVec
	monthlyLimitCost   *prometheus.GaugeVec
	usagePercent       *prometheus.GaugeVec
	requestsToday      *prometheus.GaugeVec
}

func NewCollector(cfg *config.RemoteWriteConfig) *Collector {
	return &Collector{
		config: cfg,

		syncsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_syncs_total",
			Help: "Sync cycles by provider and outcome",
		}, []string{"provider", "provider_type", "outcome"}),

		syncDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_sync_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "provider_type"}),

		syncFailures: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_sync_failures",
			Help: "Consecutive sync failures per provider",
		}, []string{"provider", "provider_type"}),

		providerActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_provider_active",
			Help: "1 when the provider status is active",
		}, []string{"provider", "provider_type", "status"}),

		rateLimitTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_rate_limit",
			Help: "Latest known rate limit per provider",
		}, []string{"provider", "provider_type"}),

		rateLimitRemaining: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_rate_limit_remaining",
			Help: "Latest known remaining rate limit per provider",
		}, []string{"provider", "provider_type"}),

		monthlyUsageCost: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_monthly_usage_cost_usd",
			Help: "Month-to-date usage cost per provider",
		}, []string{"provider", "provider_type"}),

		monthlyLimitCost: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_monthly_limit_cost_usd",
			Help: "Monthly cost limit per provider",
		}, []string{"provider", "provider_type"}),

		usagePercent: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_monthly_usage_percent",
			Help: "Month-to-date usage as a percentage of the limit",
		}, []string{"provider", "provider_type"}),

		requestsToday: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_requests_today",
			Help: "Requests recorded for the current calendar day",
		}, []string{"provider", "provider_type"}),
	}
}

func (c *Collector) RecordSync(provider *db.Provider, outcome string, duration time.Duration) {
	labels := prometheus.Labels{
		"provider":      provider.Name,
		"provider_type": string(provider.Type),
	}
	c.syncsTotal.With(prometheus.Labels{
		"provider":      provider.Name,
		"provider_type": string(provider.Type),
		"outcome":       outcome,
	}).Inc()
	c.syncDuration.With(labels).Observe(duration.Seconds())
}

// RecordProviderState exports the persisted view of a provider so alerting
// can key off staleness, failures and budget consumption.
func (c *Collector) RecordProviderState(provider *db.Provider, snapshot *db.RateLimitSnapshot, requestsToday int) {
	labels := prometheus.Labels{
		"provider":      provider.Name,
		"provider_type": string(provider.Type),
	}

	c.syncFailures.With(labels).Set(float64(provider.SyncFailures))
	c.monthlyUsageCost.With(labels).Set(provider.MonthlyUsageCost())
	c.monthlyLimitCost.With(labels).Set(provider.MonthlyLimitCost())
	c.usagePercent.With(labels).Set(provider.UsagePercentage())
	c.requestsToday.With(labels).Set(float64(requestsToday))

	for _, status := range []db.ProviderStatus{db.StatusActive, db.StatusInactive, db.StatusSuspended} {
		value := 0.0
		if provider.Status == status {
			value = 1.0
		}
		c.providerActive.With(prometheus.Labels{
			"provider":      provider.Name,
			"provider_type": string(provider.Type),
			"status":        string(status),
		}).Set(value)
	}

	if snapshot != nil {
		c.rateLimitTotal.With(labels).Set(float64(snapshot.Limit))
		c.rateLimitRemaining.With(labels).Set(float64(snapshot.Remaining))
	}
}
