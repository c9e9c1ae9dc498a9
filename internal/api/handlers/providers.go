package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"go.uber.org/zap"
)

// Predefined provider templates; base URL is filled when omitted.
var predefinedBaseURLs = map[db.ProviderType]string{
	db.ProviderTypeOpenAI:    "https://api.openai.com",
	db.ProviderTypeAnthropic: "https://api.anthropic.com",
	db.ProviderTypeXAI:       "https://api.x.ai",
}

type CreateProviderRequest struct {
	Name    string `json:"name" binding:"required,min=1,max=255"`
	Type    string `json:"provider_type" binding:"required,oneof=openai anthropic xai"`
	BaseURL string `json:"base_url" binding:"omitempty,url"`
	APIKey  string `json:"api_key" binding:"required"`
}

func (h *Handler) CreateProvider(c *gin.Context) {
	var req CreateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = predefinedBaseURLs[db.ProviderType(req.Type)]
	}

	now := time.Now()
	provider := &db.Provider{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      db.ProviderType(req.Type),
		BaseURL:   baseURL,
		APIKey:    req.APIKey,
		Status:    db.StatusActive,
		Metadata:  db.JSONB{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.repo.CreateProvider(c.Request.Context(), provider); err != nil {
		h.logger.Error("Failed to create provider", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create provider"})
		return
	}

	if provider.CanSync() {
		job := &jobs.SyncJob{
			ID:         uuid.New().String(),
			ProviderID: provider.ID,
			Reason:     "initial",
			ReadyAt:    now,
			CreatedAt:  now,
		}
		if err := h.queue.Push(c.Request.Context(), job); err != nil {
			h.logger.Warn("Failed to schedule initial sync",
				zap.String("provider_id", provider.ID),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusCreated, provider)
}

func (h *Handler) ListProviders(c *gin.Context) {
	providers, err := h.repo.ListProviders(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list providers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list providers"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"providers": providers, "count": len(providers)})
}

func (h *Handler) GetProvider(c *gin.Context) {
	provider, err := h.repo.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	c.JSON(http.StatusOK, provider)
}

type UpdateProviderRequest struct {
	Name    string `json:"name" binding:"omitempty,min=1,max=255"`
	BaseURL string `json:"base_url" binding:"omitempty,url"`
	APIKey  string `json:"api_key"`
	Status  string `json:"status" binding:"omitempty,oneof=active inactive suspended"`
}

func (h *Handler) UpdateProvider(c *gin.Context) {
	var req UpdateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	provider, err := h.repo.GetProvider(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	if req.Name != "" {
		provider.Name = req.Name
	}
	if req.BaseURL != "" {
		provider.BaseURL = req.BaseURL
	}
	if req.APIKey != "" {
		provider.APIKey = req.APIKey
	}
	if req.Status != "" {
		// Administrative status changes go through here, including
		// flipping a provider inactive or bringing it back.
		provider.Status = db.ProviderStatus(req.Status)
	}
	provider.UpdatedAt = time.Now()

	if err := h.repo.UpdateProvider(ctx, provider); err != nil {
		h.logger.Error("Failed to update provider", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update provider"})
		return
	}

	c.JSON(http.StatusOK, provider)
}

func (h *Handler) DeleteProvider(c *gin.Context) {
	if err := h.repo.DeleteProvider(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Error("Failed to delete provider", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete provider"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Provider deleted"})
}

// GetProviderUsage returns the dashboard summary: current plan, live rate
// limit snapshot, today's and this month's requests, and the 7-day trend.
func (h *Handler) GetProviderUsage(c *gin.Context) {
	ctx := c.Request.Context()

	provider, err := h.repo.GetProvider(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider not found"})
		return
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	todayRequests, err := h.repo.RequestCountBetween(ctx, provider.ID, dayStart, now)
	if err != nil {
		h.logger.Error("Failed to count today's requests", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
		return
	}

	monthlyRequests, err := h.repo.RequestCountBetween(ctx, provider.ID, monthStart, now)
	if err != nil {
		h.logger.Error("Failed to count monthly requests", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
		return
	}

	trend, err := h.repo.DailyUsage(ctx, provider.ID, dayStart.AddDate(0, 0, -6), now)
	if err != nil {
		h.logger.Error("Failed to load usage trend", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
		return
	}

	plan, err := h.repo.CurrentPlan(ctx, provider.ID)
	if err != nil {
		h.logger.Error("Failed to load current plan", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
		return
	}

	rateLimit, err := h.repo.LatestRateLimit(ctx, provider.ID)
	if err != nil {
		h.logger.Error("Failed to load rate limit snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider_id":        provider.ID,
		"provider_name":      provider.Name,
		"status":             provider.Status,
		"sync_status":        provider.SyncStatus(now),
		"last_sync_at":       provider.LastSyncAt,
		"today_requests":     todayRequests,
		"monthly_requests":   monthlyRequests,
		"weekly_trend":       trend,
		"plan":               plan,
		"rate_limit":         rateLimit,
		"monthly_usage_cost": provider.MonthlyUsageCost(),
		"monthly_limit_cost": provider.MonthlyLimitCost(),
		"usage_percentage":   provider.UsagePercentage(),
		"input_tokens":       provider.InputTokens(),
		"output_tokens":      provider.OutputTokens(),
		"images_generated":   provider.ImagesGenerated(),
	})
}
