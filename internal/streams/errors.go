package streams

import (
	"errors"
	"fmt"

	"github.com/smazurov/pagecaster/internal/browser"
	"github.com/smazurov/pagecaster/internal/encoders"
)

// StreamError represents a domain-specific error
type StreamError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeEncoderBusy         = "ENCODER_BUSY"
	ErrCodeEncoderNotFound     = "ENCODER_NOT_FOUND"
	ErrCodeInvalidParams       = "INVALID_PARAMS"
	ErrCodeNavigationFailed    = "NAVIGATION_FAILED"
	ErrCodeVideoNotFound       = "VIDEO_NOT_FOUND"
	ErrCodePlaybackFailed      = "PLAYBACK_FAILED"
	ErrCodeBrowserLaunchFailed = "BROWSER_LAUNCH_FAILED"
	ErrCodeRecordingJobFailed  = "RECORDING_JOB_FAILED"
	ErrCodeTuneCancelled       = "TUNE_CANCELLED"
)

// Sentinel causes, matched with errors.Is.
var (
	ErrNavigationFailed   = errors.New("navigation failed")
	ErrVideoNotFound      = errors.New("video not found")
	ErrPlaybackFailed     = errors.New("playback failed")
	ErrRecordingJobFailed = errors.New("recording job failed")
	ErrTuneCancelled      = errors.New("tune cancelled")
)

// NewStreamError creates a new stream error
func NewStreamError(code, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the StreamError code in err's chain, or "".
func CodeOf(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// poolError maps encoder pool errors onto stream errors.
func poolError(err error) error {
	switch {
	case errors.Is(err, encoders.ErrEncoderNotFound):
		return NewStreamError(ErrCodeEncoderNotFound, "unknown encoder", err)
	case errors.Is(err, encoders.ErrEncoderBusy):
		return NewStreamError(ErrCodeEncoderBusy, "encoder not available", err)
	case errors.Is(err, browser.ErrLaunchFailed):
		return NewStreamError(ErrCodeBrowserLaunchFailed, "browser failed to start", err)
	default:
		return err
	}
}
