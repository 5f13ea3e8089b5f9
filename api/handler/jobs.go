package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/service"
	"github.com/use-agent/scrapeflow/store"
)

// SubmitJob returns a handler for POST /api/v1/jobs.
//
// The job is persisted as pending and queued; the response is the created
// job with 201. Render failures never surface here, only through the job's
// status.
func SubmitJob(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.ErrValidation(err.Error()))
			return
		}

		job, err := svc.Submit(c.Request.Context(), req.ToSpec(svc.ScreenshotByDefault()))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, job)
	}
}

// GetJob returns a handler for GET /api/v1/jobs/:id.
func GetJob(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

type listParams struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Status string `form:"status"`
}

// ListJobs returns a handler for GET /api/v1/jobs?page=&limit=&status=.
func ListJobs(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p listParams
		if err := c.ShouldBindQuery(&p); err != nil {
			respondError(c, models.ErrValidation("page and limit must be integers"))
			return
		}

		page, err := svc.List(c.Request.Context(), store.ListQuery{
			Page:   p.Page,
			Limit:  p.Limit,
			Status: models.Status(p.Status),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// CancelJob returns a handler for DELETE /api/v1/jobs/:id. Only pending
// jobs can be canceled; anything else is a 409.
func CancelJob(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.CancelResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: "Job was canceled",
		})
	}
}
