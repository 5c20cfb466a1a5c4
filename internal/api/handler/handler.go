package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/job-importer/internal/domain"
)

// ImportTrigger starts an import run
type ImportTrigger interface {
	Trigger(ctx context.Context, feedURL string) (*domain.RunSummary, error)
}

// RunReader reads the import run ledger
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*domain.ImportRun, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.ImportRun, int, error)
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Trigger        ImportTrigger
	Runs           RunReader
	DefaultFeedURL string
	ServiceName    string
}

// ImportHandler handles import run HTTP requests
type ImportHandler struct {
	logger         *slog.Logger
	trigger        ImportTrigger
	runs           RunReader
	defaultFeedURL string
}

// NewImportHandler creates a new ImportHandler instance
func NewImportHandler(deps *Dependencies) *ImportHandler {
	return &ImportHandler{
		logger:         deps.Logger,
		trigger:        deps.Trigger,
		runs:           deps.Runs,
		defaultFeedURL: deps.DefaultFeedURL,
	}
}

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := deps.Runs.HealthCheck(ctx); err != nil {
			deps.Logger.Warn("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": deps.ServiceName,
				"error":   "database unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.ServiceName,
		})
	}
}
