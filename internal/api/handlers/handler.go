package handlers

import (
	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/refresh"
	"go.uber.org/zap"
)

type Handler struct {
	repo        *db.Repository
	coordinator *refresh.Coordinator
	queue       jobs.Queue
	logger      *zap.Logger
}

func NewHandler(repo *db.Repository, coordinator *refresh.Coordinator, queue jobs.Queue, logger *zap.Logger) *Handler {
	return &Handler{
		repo:        repo,
		coordinator: coordinator,
		queue:       queue,
		logger:      logger,
	}
}
