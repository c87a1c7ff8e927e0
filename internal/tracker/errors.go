package tracker

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core.
var (
	// ErrBrokerUnavailable is returned by broker operations when the backing
	// queue is down or unconfigured. It is distinguished from all other
	// failures so bulk callers can report partial success.
	ErrBrokerUnavailable = errors.New("job broker unavailable")

	ErrTargetNotFound   = errors.New("target not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrJobNotFound      = errors.New("job not found")
)

// ValidationError reports malformed input rejected before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CaptureStage identifies where a capture failed.
type CaptureStage string

// Capture failure stages.
const (
	StageNavigate   CaptureStage = "navigate"
	StageSettle     CaptureStage = "settle"
	StageContent    CaptureStage = "content"
	StageScreenshot CaptureStage = "screenshot"
)

// CaptureError reports a failed page capture after URL validation passed.
type CaptureError struct {
	URL   string
	Stage CaptureStage
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %s failed: %v", e.URL, e.Stage, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError wraps an underlying failure with its stage.
func NewCaptureError(url string, stage CaptureStage, err error) *CaptureError {
	return &CaptureError{URL: url, Stage: stage, Err: err}
}

// IsCapture reports whether err is a CaptureError.
func IsCapture(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce)
}
