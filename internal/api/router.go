package api

import (
	"github.com/gin-gonic/gin"
	"github.com/leozw/usage-guardian/internal/api/handlers"
	"github.com/leozw/usage-guardian/internal/api/middleware"
	"github.com/leozw/usage-guardian/internal/config"
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/refresh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, repo *db.Repository, coordinator *refresh.Coordinator, queue jobs.Queue, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	h := handlers.NewHandler(repo, coordinator, queue, logger)

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		providers := api.Group("/providers")
		{
			providers.POST("", h.CreateProvider)
			providers.GET("", h.ListProviders)
			providers.GET("/:id", h.GetProvider)
			providers.PUT("/:id", h.UpdateProvider)
			providers.DELETE("/:id", h.DeleteProvider)
			providers.GET("/:id/usage", h.GetProviderUsage)
		}

		api.POST("/refresh", h.Refresh)
		api.POST("/refresh/force", h.ForceRefresh)
		api.GET("/refresh/status", h.RefreshStatus)
	}

	return server
}
