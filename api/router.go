package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/scrapeflow/api/handler"
	"github.com/use-agent/scrapeflow/api/middleware"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/service"
)

// Deps are the components the routes call into.
type Deps struct {
	Service  *service.Service
	Events   handler.Subscriber
	Pool     handler.PoolStatus
	Renderer handler.RendererStatus
	Metrics  *metrics.Metrics
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics stay outside auth so probes and scrapers always work.
func NewRouter(d Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	v1.GET("/health", handler.Health(d.Pool, d.Renderer, startTime))
	if d.Metrics != nil {
		v1.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	jobs := protected.Group("/jobs")
	jobs.POST("", handler.SubmitJob(d.Service))
	jobs.GET("", handler.ListJobs(d.Service))
	jobs.GET("/:id", handler.GetJob(d.Service))
	jobs.DELETE("/:id", handler.CancelJob(d.Service))
	jobs.GET("/:id/download/:type", handler.DownloadArtifact(d.Service))
	jobs.GET("/:id/preview", handler.PreviewArtifact(d.Service))
	jobs.GET("/:id/stream", handler.StreamJob(d.Service, d.Events))

	return r
}
