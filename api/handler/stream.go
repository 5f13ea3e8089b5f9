package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/service"
)

// KeepaliveInterval is how often an idle stream sends a comment line.
var KeepaliveInterval = 15 * time.Second

// Subscriber hands out per-job event streams.
type Subscriber interface {
	Subscribe(jobID string) (<-chan models.StatusEvent, func())
}

// StreamJob returns a handler for GET /api/v1/jobs/:id/stream.
//
// Flow:
//  1. Subscribe before reading the job so no transition falls in between.
//  2. Send the current state as the first "status" event.
//  3. Relay each event until a terminal status, client disconnect or hub
//     shutdown. Events buffered before the snapshot that it already shows
//     are skipped.
func StreamJob(svc *service.Service, sub Subscriber) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		// ── 1. Subscribe ────────────────────────────────────────────
		events, cancel := sub.Subscribe(id)
		defer cancel()

		job, err := svc.Get(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		// ── 2. Snapshot ─────────────────────────────────────────────
		snapshot := models.EventFor(job, time.Now().UTC())
		c.SSEvent("status", snapshot)
		c.Writer.Flush()
		if job.Status.IsTerminal() {
			return
		}

		// ── 3. Relay ────────────────────────────────────────────────
		keepalive := time.NewTicker(KeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if coveredBy(snapshot, ev) {
					continue
				}
				c.SSEvent("status", ev)
				c.Writer.Flush()
				if ev.Status.IsTerminal() {
					return
				}
			case <-keepalive.C:
				if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

// coveredBy reports whether ev was published before snap was taken and
// carries the same status, so the client has already seen it.
func coveredBy(snap, ev models.StatusEvent) bool {
	return ev.Status == snap.Status && !ev.Timestamp.After(snap.Timestamp)
}
