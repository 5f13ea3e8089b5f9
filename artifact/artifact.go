// Package artifact stores the HTML, text and screenshot blobs produced by a
// job. Keys are "<job_id>/<file>"; the store applies no policy of its own.
package artifact

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/models"
)

// Kind names one of the three artifact types.
type Kind string

const (
	KindHTML       Kind = "html"
	KindText       Kind = "text"
	KindScreenshot Kind = "screenshot"
)

// ParseKind validates an artifact type from a URL segment.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindHTML, KindText, KindScreenshot:
		return Kind(s), nil
	}
	return "", models.ErrValidation(fmt.Sprintf("unknown artifact type %q: use html, text or screenshot", s))
}

// FileName is the object name of the artifact within a job's prefix.
func (k Kind) FileName() string {
	switch k {
	case KindHTML:
		return "page.html"
	case KindText:
		return "text.txt"
	case KindScreenshot:
		return "screenshot.png"
	}
	return string(k)
}

// ContentType is the MIME type served for the artifact.
func (k Kind) ContentType() string {
	switch k {
	case KindHTML:
		return "text/html; charset=utf-8"
	case KindText:
		return "text/plain; charset=utf-8"
	case KindScreenshot:
		return "image/png"
	}
	return "application/octet-stream"
}

// DownloadName is the attachment filename offered to clients.
func (k Kind) DownloadName(jobID string) string {
	switch k {
	case KindHTML:
		return fmt.Sprintf("job_%s_page.html", jobID)
	case KindText:
		return fmt.Sprintf("job_%s_content.txt", jobID)
	case KindScreenshot:
		return fmt.Sprintf("job_%s_screenshot.png", jobID)
	}
	return fmt.Sprintf("job_%s_%s", jobID, k)
}

// Key is the object key of kind for jobID.
func Key(jobID string, kind Kind) string {
	return path.Join(jobID, kind.FileName())
}

// Store is blob persistence keyed by job id.
type Store interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get opens the object; the caller closes it. A missing key yields a
	// NotFound error.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Open builds the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.ArtifactConfig) (Store, error) {
	switch cfg.Backend {
	case "fs", "":
		return NewFSStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifact: unknown backend %q", cfg.Backend)
	}
}

func storageError(msg string, err error) error {
	return models.NewScrapeError(models.ErrCodeStorage, msg, err)
}
