package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/job-importer/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
// A nil gatherer leaves /metrics unregistered.
func SetupRouter(deps *handler.Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.Health(deps))

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	importHandler := handler.NewImportHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		imports := v1.Group("/imports")
		{
			// POST /api/v1/imports - Run an import now
			imports.POST("", importHandler.TriggerImport)

			// GET /api/v1/imports - Import history with filtering and pagination
			imports.GET("", importHandler.ListImports)

			// GET /api/v1/imports/:run_id - Run details with failure sample
			imports.GET("/:run_id", importHandler.GetImport)
		}
	}

	return r
}
