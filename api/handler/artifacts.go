package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/scrapeflow/artifact"
	"github.com/use-agent/scrapeflow/service"
)

// DownloadArtifact returns a handler for GET /api/v1/jobs/:id/download/:type.
// The artifact is streamed as an attachment.
func DownloadArtifact(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := artifact.ParseKind(c.Param("type"))
		if err != nil {
			respondError(c, err)
			return
		}

		a, err := svc.OpenArtifact(c.Request.Context(), c.Param("id"), kind)
		if err != nil {
			respondError(c, err)
			return
		}
		defer a.Body.Close()

		c.DataFromReader(http.StatusOK, -1, a.ContentType, a.Body, map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", a.FileName),
		})
	}
}

// PreviewArtifact returns a handler for GET /api/v1/jobs/:id/preview?type=.
// type is html (default), text, markdown or screenshot; content is served
// inline.
func PreviewArtifact(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Preview(c.Request.Context(), c.Param("id"), c.DefaultQuery("type", string(artifact.KindHTML)))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Disposition", "inline")
		c.Data(http.StatusOK, p.ContentType, p.Body)
	}
}
