package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/scrapeflow/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// PoolStatus reports worker pool occupancy.
type PoolStatus interface {
	Workers() int
	BusyWorkers() int
	QueueDepth() int
}

// RendererStatus reports page pool occupancy.
type RendererStatus interface {
	Stats() models.PoolStats
}

// Health returns a handler for GET /api/v1/health.
//
// Degrades status when every worker is busy and jobs are waiting.
func Health(pool PoolStatus, renderer RendererStatus, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers, busy, depth := pool.Workers(), pool.BusyWorkers(), pool.QueueDepth()

		status := "healthy"
		if busy >= workers && depth > 0 {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:      status,
			Uptime:      time.Since(startTime).Round(time.Second).String(),
			Workers:     workers,
			BusyWorkers: busy,
			QueueDepth:  depth,
			PoolStats:   renderer.Stats(),
			Version:     Version,
		})
	}
}
