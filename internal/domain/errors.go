package domain

import "errors"

// NoFilesMessage is the error recorded on a job whose selection resolved to nothing archivable
const NoFilesMessage = "No files to include"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a builder tries to start a job that is no longer queued
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in queued status")

	// ErrNoFilesToInclude is returned when a selection resolves to nothing archivable
	ErrNoFilesToInclude = errors.New("no files to include")

	// ErrRunNotFound is returned when a scope references a run the caller cannot see
	ErrRunNotFound = errors.New("observation run not found")

	// ErrInvalidMessage is returned for queue messages that can never be processed
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrArtifactNotFound is returned when an artifact is missing from storage
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrForbidden is returned when the caller may see a job but not act on it
	ErrForbidden = errors.New("forbidden")

	// ErrNotReady is returned when a job has no downloadable artifact yet
	ErrNotReady = errors.New("job not ready")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
