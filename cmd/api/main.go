package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/leozw/usage-guardian/internal/api"
	"github.com/leozw/usage-guardian/internal/config"
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/health"
	"github.com/leozw/usage-guardian/internal/ingest"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/providers"
	"github.com/leozw/usage-guardian/internal/refresh"
	"github.com/leozw/usage-guardian/internal/syncer"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := db.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	repo := db.NewRepository(database)

	redisClient := newRedisClient(cfg.Redis.URL)
	defer redisClient.Close()

	queue := jobs.NewRedisQueue(redisClient)
	tracker := jobs.NewRedisTracker(redisClient, 5*time.Minute)

	registry := providers.NewRegistry()
	pipeline := ingest.NewPipeline(repo, logger)
	machine := health.NewMachine(repo, logger, health.Config{
		StaleAfter:        cfg.Health.StaleAfter,
		SuspendThreshold:  cfg.Health.SuspendThreshold,
		ReactivateBelow:   cfg.Health.ReactivateBelow,
		WarnFailuresAbove: cfg.Health.WarnFailuresAbove,
		UsageAlertPercent: cfg.Health.UsageAlertPercent,
	})

	orchestrator := syncer.NewOrchestrator(repo, registry, pipeline, machine, tracker, logger, syncer.Config{
		MaxAttempts:    cfg.Sync.MaxAttempts,
		RequestTimeout: cfg.Sync.RequestTimeout,
		RequestsPerMin: cfg.Sync.RequestsPerMin,
		Backoff: &syncer.ExponentialBackoff{
			Base:   cfg.Sync.BackoffBase,
			Max:    cfg.Sync.BackoffMax,
			Factor: 2.0,
		},
	})

	coordinator := refresh.NewCoordinator(repo, orchestrator, queue, tracker, logger, refresh.Config{
		RecencyWindow:        cfg.Sync.RecencyWindow,
		RetryDelay:           cfg.Sync.RetryDelay,
		SyncedRecentlyWithin: cfg.Health.SyncedRecentlyWithin,
		NeedsSyncAfter:       cfg.Health.NeedsSyncAfter,
		HealthyMaxFailures:   cfg.Health.HealthyMaxFailures,
	})

	server := api.NewServer(cfg, repo, coordinator, queue, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newRedisClient(redisURL string) *redis.Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{Addr: redisURL}
	}
	return redis.NewClient(opt)
}
