package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// transitions lists every legal edge of the job state machine.
// running -> pending is the retry edge; it always increments retry_count.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimeout, StatusPending},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RenderStrategy controls what the renderer waits for before capture.
type RenderStrategy string

const (
	StrategyAuto           RenderStrategy = "auto"
	StrategyFixedDelay     RenderStrategy = "fixed_delay"
	StrategyWaitForElement RenderStrategy = "wait_for_element"
)

// Valid reports whether r is a known strategy.
func (r RenderStrategy) Valid() bool {
	switch r {
	case StrategyAuto, StrategyFixedDelay, StrategyWaitForElement:
		return true
	}
	return false
}

// MaxWaitTime is the upper bound for fixed_delay waits, in seconds.
const MaxWaitTime = 60

// JobSpec is the caller-supplied part of a job.
type JobSpec struct {
	URL               string
	RenderStrategy    RenderStrategy
	WaitTime          int
	WaitForSelector   string
	ExtractText       bool
	ExtractHTML       bool
	CaptureScreenshot bool
}

// Normalize applies defaults and drops fields that do not apply to the
// chosen strategy.
func (s *JobSpec) Normalize() {
	s.URL = strings.TrimSpace(s.URL)
	if s.RenderStrategy == "" {
		s.RenderStrategy = StrategyAuto
	}
	s.WaitForSelector = strings.TrimSpace(s.WaitForSelector)
	if s.RenderStrategy != StrategyWaitForElement {
		s.WaitForSelector = ""
	}
}

// Validate checks field constraints. It does not apply host policy.
func (s *JobSpec) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || !u.IsAbs() {
		return ErrValidation("url must be an absolute http or https URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrValidation("url must start with http:// or https://")
	}
	if u.Host == "" {
		return ErrValidation("url must include a host")
	}
	if !s.RenderStrategy.Valid() {
		return ErrValidation(fmt.Sprintf("unknown render_strategy %q", s.RenderStrategy))
	}
	if s.WaitTime < 0 || s.WaitTime > MaxWaitTime {
		return ErrValidation(fmt.Sprintf("wait_time must be between 0 and %d seconds", MaxWaitTime))
	}
	if s.RenderStrategy == StrategyWaitForElement {
		if s.WaitForSelector == "" {
			return ErrValidation("wait_for_selector is required when render_strategy is wait_for_element")
		}
		if _, err := cascadia.Parse(s.WaitForSelector); err != nil {
			return ErrValidation(fmt.Sprintf("wait_for_selector is not a valid CSS selector: %v", err))
		}
	}
	return nil
}

// Job is one scrape request plus its execution state and results.
type Job struct {
	ID                string         `json:"id" gorm:"primaryKey;size:36"`
	URL               string         `json:"url" gorm:"size:2048;not null;index"`
	Status            Status         `json:"status" gorm:"size:16;not null;index"`
	RenderStrategy    RenderStrategy `json:"render_strategy" gorm:"size:32;not null"`
	WaitTime          int            `json:"wait_time"`
	WaitForSelector   *string        `json:"wait_for_selector"`
	ExtractText       bool           `json:"extract_text"`
	ExtractHTML       bool           `json:"extract_html"`
	CaptureScreenshot bool           `json:"capture_screenshot"`
	RetryCount        int            `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at" gorm:"not null;index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	PageTitle      *string `json:"page_title"`
	FinalURL       *string `json:"final_url" gorm:"size:2048"`
	HTTPStatus     *int    `json:"http_status"`
	TextContent    *string `json:"text_content"`
	HTMLPath       *string `json:"html_path"`
	ScreenshotPath *string `json:"screenshot_path"`
	TextPath       *string `json:"text_path"`
	ErrorMessage   *string `json:"error_message"`
}

// TableName pins the gorm table name.
func (Job) TableName() string { return "scraping_jobs" }

// NewJob builds a pending job from a validated spec.
func NewJob(id string, spec JobSpec, now time.Time) *Job {
	j := &Job{
		ID:                id,
		URL:               spec.URL,
		Status:            StatusPending,
		RenderStrategy:    spec.RenderStrategy,
		WaitTime:          spec.WaitTime,
		ExtractText:       spec.ExtractText,
		ExtractHTML:       spec.ExtractHTML,
		CaptureScreenshot: spec.CaptureScreenshot,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if spec.WaitForSelector != "" {
		sel := spec.WaitForSelector
		j.WaitForSelector = &sel
	}
	return j
}

// Spec returns the caller-supplied part of the job.
func (j *Job) Spec() JobSpec {
	s := JobSpec{
		URL:               j.URL,
		RenderStrategy:    j.RenderStrategy,
		WaitTime:          j.WaitTime,
		ExtractText:       j.ExtractText,
		ExtractHTML:       j.ExtractHTML,
		CaptureScreenshot: j.CaptureScreenshot,
	}
	if j.WaitForSelector != nil {
		s.WaitForSelector = *j.WaitForSelector
	}
	return s
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	c := *j
	c.WaitForSelector = cloneString(j.WaitForSelector)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.PageTitle = cloneString(j.PageTitle)
	c.FinalURL = cloneString(j.FinalURL)
	c.TextContent = cloneString(j.TextContent)
	c.HTMLPath = cloneString(j.HTMLPath)
	c.ScreenshotPath = cloneString(j.ScreenshotPath)
	c.TextPath = cloneString(j.TextPath)
	c.ErrorMessage = cloneString(j.ErrorMessage)
	if j.HTTPStatus != nil {
		v := *j.HTTPStatus
		c.HTTPStatus = &v
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatusEvent is one status transition as seen by subscribers.
type StatusEvent struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFor builds the event describing j's current status.
func EventFor(j *Job, at time.Time) StatusEvent {
	ev := StatusEvent{JobID: j.ID, Status: j.Status, Timestamp: at}
	if j.ErrorMessage != nil {
		ev.Message = *j.ErrorMessage
	}
	return ev
}
