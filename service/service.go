// Package service is the job façade used by the API edge: it validates
// submissions, creates and enqueues jobs, cancels pending ones and opens
// stored artifacts.
package service

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/use-agent/scrapeflow/artifact"
	"github.com/use-agent/scrapeflow/cleaner"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/store"
)

// Error messages written to error_message by the service.
const (
	MsgCanceled    = "Job was canceled by user"
	MsgInterrupted = "interrupted by restart"
)

// Enqueuer hands job ids to the worker pool.
type Enqueuer interface {
	Enqueue(jobID string) error
}

// Publisher receives status events for transitions made by the service.
type Publisher interface {
	Publish(ev models.StatusEvent)
}

// Options tune the service.
type Options struct {
	Policy *HostPolicy

	// ScreenshotUnsupported rejects capture_screenshot at submission, for
	// renderers that cannot produce one.
	ScreenshotUnsupported bool

	MaxPageSize int
}

// Service coordinates the repository, the scheduler and the artifact store.
type Service struct {
	repo      store.Repository
	queue     Enqueuer
	pub       Publisher
	artifacts artifact.Store
	cleaner   *cleaner.Cleaner
	opts      Options
}

// New creates a Service.
func New(repo store.Repository, queue Enqueuer, pub Publisher, artifacts artifact.Store, opts Options) *Service {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = store.DefaultMaxPageSize
	}
	return &Service{
		repo:      repo,
		queue:     queue,
		pub:       pub,
		artifacts: artifacts,
		cleaner:   cleaner.NewCleaner(),
		opts:      opts,
	}
}

// ScreenshotByDefault is the capture_screenshot value for submissions that
// omit it.
func (s *Service) ScreenshotByDefault() bool { return !s.opts.ScreenshotUnsupported }

// Submit validates spec, persists a pending job and enqueues it. The job is
// durable before it is schedulable; an enqueue failure leaves it pending for
// the next reconciliation.
func (s *Service) Submit(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if s.opts.Policy != nil {
		if err := s.opts.Policy.Check(spec.URL); err != nil {
			return nil, err
		}
	}
	if s.opts.ScreenshotUnsupported && spec.CaptureScreenshot {
		return nil, models.ErrValidation("capture_screenshot is not supported by the configured renderer")
	}

	job, err := s.repo.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.pub.Publish(models.EventFor(job, job.CreatedAt))

	if err := s.queue.Enqueue(job.ID); err != nil {
		slog.Warn("job created but not enqueued", "job_id", job.ID, "error", err)
	}
	slog.Info("job submitted", "job_id", job.ID, "url", job.URL, "render_strategy", job.RenderStrategy)
	return job, nil
}

// Get returns the job or NotFound.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns one page of jobs, newest first.
func (s *Service) List(ctx context.Context, q store.ListQuery) (*models.JobPage, error) {
	q, err := q.Normalize(s.opts.MaxPageSize)
	if err != nil {
		return nil, err
	}
	items, total, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Job{}
	}
	pages := int(math.Ceil(float64(total) / float64(q.Limit)))
	if pages < 1 {
		pages = 1
	}
	return &models.JobPage{
		Items: items,
		Total: total,
		Page:  q.Page,
		Limit: q.Limit,
		Pages: pages,
	}, nil
}

// Cancel moves a pending job to failed. Running and terminal jobs yield
// InvalidState; of two concurrent cancels exactly one succeeds.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusPending {
		return nil, models.ErrInvalidState("cancel", job.Status)
	}

	now := time.Now().UTC()
	msg := MsgCanceled
	ok, err := s.repo.CompareAndSetStatus(ctx, id, models.StatusPending, models.StatusFailed, store.Update{
		CompletedAt:  &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost to a worker or another cancel; report what it is now.
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, models.ErrInvalidState("cancel", current.Status)
	}

	s.pub.Publish(models.StatusEvent{JobID: id, Status: models.StatusFailed, Message: msg, Timestamp: now})
	slog.Info("job canceled", "job_id", id)
	return s.repo.Get(ctx, id)
}

// Artifact is an opened artifact ready to stream.
type Artifact struct {
	Body        io.ReadCloser
	ContentType string
	FileName    string
}

// OpenArtifact opens the stored artifact of kind for a completed job.
func (s *Service) OpenArtifact(ctx context.Context, id string, kind artifact.Kind) (*Artifact, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := artifactKey(job, kind)
	if err != nil {
		return nil, err
	}
	body, err := s.artifacts.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Body:        body,
		ContentType: kind.ContentType(),
		FileName:    kind.DownloadName(job.ID),
	}, nil
}

// Preview types accepted by Preview in addition to the artifact kinds.
const PreviewMarkdown = "markdown"

// Preview is an inline rendition of a job's output.
type Preview struct {
	ContentType string
	Body        []byte
}

// Preview loads an artifact for inline display. "markdown" converts the
// stored HTML; "text" falls back to the inline text_content when no text
// artifact was written.
func (s *Service) Preview(ctx context.Context, id, typ string) (*Preview, error) {
	if typ == PreviewMarkdown {
		html, err := s.readAll(ctx, id, artifact.KindHTML)
		if err != nil {
			return nil, err
		}
		job, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		pageURL := job.URL
		if job.FinalURL != nil && *job.FinalURL != "" {
			pageURL = *job.FinalURL
		}
		md, err := s.cleaner.ToMarkdown(string(html), pageURL)
		if err != nil {
			return nil, models.NewScrapeError(models.ErrCodeInternal, "markdown conversion failed", err)
		}
		return &Preview{ContentType: "text/markdown; charset=utf-8", Body: []byte(md)}, nil
	}

	kind, err := artifact.ParseKind(typ)
	if err != nil {
		return nil, err
	}

	body, err := s.readAll(ctx, id, kind)
	if err != nil && kind == artifact.KindText && models.IsCode(err, models.ErrCodeNotFound) {
		job, gerr := s.repo.Get(ctx, id)
		if gerr == nil && job.Status == models.StatusCompleted && job.TextContent != nil {
			return &Preview{ContentType: kind.ContentType(), Body: []byte(*job.TextContent)}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &Preview{ContentType: kind.ContentType(), Body: body}, nil
}

func (s *Service) readAll(ctx context.Context, id string, kind artifact.Kind) ([]byte, error) {
	a, err := s.OpenArtifact(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	defer a.Body.Close()
	data, err := io.ReadAll(a.Body)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeStorage, "read "+string(kind)+" artifact", err)
	}
	return data, nil
}

// artifactKey returns the stored key of kind, or NotFound when the job is
// not completed or did not request it.
func artifactKey(job *models.Job, kind artifact.Kind) (string, error) {
	if job.Status != models.StatusCompleted {
		return "", models.NewScrapeError(models.ErrCodeNotFound,
			"job "+job.ID+" is "+string(job.Status)+", artifacts are available once it completes", nil)
	}
	var key *string
	switch kind {
	case artifact.KindHTML:
		key = job.HTMLPath
	case artifact.KindText:
		key = job.TextPath
	case artifact.KindScreenshot:
		key = job.ScreenshotPath
	}
	if key == nil || strings.TrimSpace(*key) == "" {
		return "", models.NewScrapeError(models.ErrCodeNotFound, string(kind)+" was not captured for job "+job.ID, nil)
	}
	return *key, nil
}
