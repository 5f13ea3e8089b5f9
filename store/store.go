// Package store persists jobs. Every mutation after creation goes through
// CompareAndSetStatus so that concurrent workers and cancel requests are
// linearized per job.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/use-agent/scrapeflow/models"
)

// DefaultMaxPageSize is the list limit clamp used when none is configured.
const DefaultMaxPageSize = 100

// Repository is the durable record of jobs and their transitions.
type Repository interface {
	// Create validates spec and persists a new pending job.
	Create(ctx context.Context, spec models.JobSpec) (*models.Job, error)

	// Get returns the job or a NotFound error.
	Get(ctx context.Context, id string) (*models.Job, error)

	// List returns one page ordered by created_at descending plus the
	// total number of matching jobs.
	List(ctx context.Context, q ListQuery) ([]*models.Job, int64, error)

	// ListByStatus returns every job in status, oldest first.
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error)

	// CompareAndSetStatus moves the job from expected to next and applies
	// upd only if its current status equals expected. It reports false when
	// another actor got there first.
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.Status, upd Update) (bool, error)

	Close() error
}

// ListQuery selects one page of jobs.
type ListQuery struct {
	Page   int
	Limit  int
	Status models.Status // optional filter
}

// Normalize validates page and limit and clamps limit to maxLimit.
func (q ListQuery) Normalize(maxLimit int) (ListQuery, error) {
	if q.Page < 1 {
		return q, models.ErrValidation("page must be a positive integer")
	}
	if q.Limit < 1 {
		return q, models.ErrValidation("limit must be a positive integer")
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, models.ErrValidation(fmt.Sprintf("unknown status filter %q", q.Status))
	}
	if maxLimit <= 0 {
		maxLimit = DefaultMaxPageSize
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	return q, nil
}

// Offset is the number of rows skipped before the page.
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Update carries the fields applied together with a status transition.
// Nil fields are left unchanged.
type Update struct {
	StartedAt      *time.Time
	CompletedAt    *time.Time
	RetryCount     *int
	PageTitle      *string
	FinalURL       *string
	HTTPStatus     *int
	TextContent    *string
	HTMLPath       *string
	ScreenshotPath *string
	TextPath       *string
	ErrorMessage   *string
}

func (u Update) apply(j *models.Job) {
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	if u.PageTitle != nil {
		j.PageTitle = u.PageTitle
	}
	if u.FinalURL != nil {
		j.FinalURL = u.FinalURL
	}
	if u.HTTPStatus != nil {
		j.HTTPStatus = u.HTTPStatus
	}
	if u.TextContent != nil {
		j.TextContent = u.TextContent
	}
	if u.HTMLPath != nil {
		j.HTMLPath = u.HTMLPath
	}
	if u.ScreenshotPath != nil {
		j.ScreenshotPath = u.ScreenshotPath
	}
	if u.TextPath != nil {
		j.TextPath = u.TextPath
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = u.ErrorMessage
	}
}

// columns renders the update as a column map for SQL backends.
func (u Update) columns() map[string]any {
	cols := make(map[string]any)
	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	if u.RetryCount != nil {
		cols["retry_count"] = *u.RetryCount
	}
	if u.PageTitle != nil {
		cols["page_title"] = *u.PageTitle
	}
	if u.FinalURL != nil {
		cols["final_url"] = *u.FinalURL
	}
	if u.HTTPStatus != nil {
		cols["http_status"] = *u.HTTPStatus
	}
	if u.TextContent != nil {
		cols["text_content"] = *u.TextContent
	}
	if u.HTMLPath != nil {
		cols["html_path"] = *u.HTMLPath
	}
	if u.ScreenshotPath != nil {
		cols["screenshot_path"] = *u.ScreenshotPath
	}
	if u.TextPath != nil {
		cols["text_path"] = *u.TextPath
	}
	if u.ErrorMessage != nil {
		cols["error_message"] = *u.ErrorMessage
	}
	return cols
}

// checkTransition rejects edges that are not part of the state machine.
func checkTransition(expected, next models.Status) error {
	if !models.CanTransition(expected, next) {
		return models.NewScrapeError(
			models.ErrCodeInvalidState,
			fmt.Sprintf("illegal transition %s -> %s", expected, next),
			nil,
		)
	}
	return nil
}

// newJob validates spec and builds the pending record.
func newJob(spec models.JobSpec, id string, now time.Time) (*models.Job, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return models.NewJob(id, spec, now), nil
}

func repoError(op string, err error) error {
	return models.NewScrapeError(models.ErrCodeInternal, "job repository: "+op, err)
}
