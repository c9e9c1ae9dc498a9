package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Refresh runs a smart refresh sweep inline and returns the classified
// result. Providers synced within the recency window are skipped.
func (h *Handler) Refresh(c *gin.Context) {
	result := h.coordinator.RefreshAll(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

// ForceRefresh schedules a sync for every active provider and returns
// immediately; the worker pool picks the jobs up.
func (h *Handler) ForceRefresh(c *gin.Context) {
	result, err := h.coordinator.ForceRefreshAll(c.Request.Context())
	if err != nil {
		h.logger.Error("Force refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule refresh"})
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (h *Handler) RefreshStatus(c *gin.Context) {
	status, err := h.coordinator.GetStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load refresh status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load status"})
		return
	}

	c.JSON(http.StatusOK, status)
}
