package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidState = "INVALID_STATE"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"

	// Render-side codes. These never reach an API caller directly; the
	// scheduler turns them into a job status plus error_message.
	ErrCodeNavigation      = "NAVIGATION_FAILED"
	ErrCodeSelectorTimeout = "SELECTOR_TIMEOUT"
	ErrCodeCapture         = "CAPTURE_FAILED"
	ErrCodeRenderTimeout   = "RENDER_TIMEOUT"
	ErrCodeBrowserCrash    = "BROWSER_CRASH"
	ErrCodeStorage         = "STORAGE_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *ScrapeError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// AsScrapeError finds the first ScrapeError in err's chain.
func AsScrapeError(err error) (*ScrapeError, bool) {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	se, ok := AsScrapeError(err)
	return ok && se.Code == code
}

// IsRecoverable reports whether a render-side failure is worth another
// attempt. Selector timeouts are excluded: the wait budget already expired.
func IsRecoverable(err error) bool {
	se, ok := AsScrapeError(err)
	if !ok {
		return false
	}
	switch se.Code {
	case ErrCodeNavigation, ErrCodeCapture, ErrCodeBrowserCrash, ErrCodeStorage:
		return true
	default:
		return false
	}
}

// ErrNotFound builds the NotFound error for a job id.
func ErrNotFound(id string) *ScrapeError {
	return NewScrapeError(ErrCodeNotFound, fmt.Sprintf("job %s not found", id), nil)
}

// ErrInvalidState builds the InvalidState error for an operation that is not
// legal in the job's current status.
func ErrInvalidState(op string, status Status) *ScrapeError {
	return NewScrapeError(ErrCodeInvalidState, fmt.Sprintf("cannot %s a job in status %s", op, status), nil)
}

// ErrValidation builds a ValidationError.
func ErrValidation(msg string) *ScrapeError {
	return NewScrapeError(ErrCodeValidation, msg, nil)
}
