// Package scraper is the render capability: given a URL and a render
// strategy it returns the page output or a typed failure.
package scraper

import (
	"context"
	"errors"
	"time"

	"github.com/use-agent/scrapeflow/models"
)

// Renderer renders one page per call. Implementations are safe for
// concurrent use and bound their own resource usage.
type Renderer interface {
	// Render honours ctx cancellation: once ctx is done the underlying
	// session is aborted and an error is returned.
	Render(ctx context.Context, req Request) (*Result, error)

	// Stats reports the current page pool usage.
	Stats() models.PoolStats

	// Close releases the browser or transport.
	Close()
}

// Request is everything a renderer needs to know about a job.
type Request struct {
	URL               string
	Strategy          models.RenderStrategy
	WaitTime          time.Duration // fixed_delay only
	Selector          string        // wait_for_element only
	ExtractHTML       bool
	ExtractText       bool
	CaptureScreenshot bool
}

// RequestFor builds the render request for a job.
func RequestFor(j *models.Job) Request {
	spec := j.Spec()
	return Request{
		URL:               spec.URL,
		Strategy:          spec.RenderStrategy,
		WaitTime:          time.Duration(spec.WaitTime) * time.Second,
		Selector:          spec.WaitForSelector,
		ExtractHTML:       spec.ExtractHTML,
		ExtractText:       spec.ExtractText,
		CaptureScreenshot: spec.CaptureScreenshot,
	}
}

// Result carries page output. HTML, Text and Screenshot are only set when
// the request asked for them.
type Result struct {
	FinalURL   string
	StatusCode int
	Title      string
	HTML       string
	Text       string
	Screenshot []byte
}

func navigationError(msg string, err error) *models.ScrapeError {
	return categorizeError(err, models.ErrCodeNavigation, msg)
}

func captureError(msg string, err error) *models.ScrapeError {
	return categorizeError(err, models.ErrCodeCapture, msg)
}

func selectorTimeout(selector string, err error) *models.ScrapeError {
	return models.NewScrapeError(
		models.ErrCodeSelectorTimeout,
		"selector "+selector+" did not appear before the deadline",
		err,
	)
}

// categorizeError wraps raw driver errors into typed ScrapeErrors. Context
// expiry wins over the caller's code so the scheduler can tell a deadline
// from a genuine failure.
func categorizeError(err error, code, msg string) *models.ScrapeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewScrapeError(models.ErrCodeRenderTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewScrapeError(models.ErrCodeRenderTimeout, "render canceled", err)
	default:
		return models.NewScrapeError(code, msg, err)
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
