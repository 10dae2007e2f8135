package lidar

import (
	"errors"
	"fmt"
)

// ErrPollTimeout is returned when a job does not reach a terminal state
// within the poll attempt cap. Distinct from a failed job so callers can
// offer "still running in background" messaging.
var ErrPollTimeout = errors.New("job did not finish within the polling window")

// ValidationError rejects a request before any network call is made.
// The message is user-facing.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// APIError is a non-2xx backend response, carrying the backend-provided
// detail message when present.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// NotFound reports whether the error is a 404 response
func (e *APIError) NotFound() bool {
	return e.Status == 404
}

// ProcessingError is a job that reached the terminal failed state.
// It carries the backend's error message as-is.
type ProcessingError struct {
	JobID   string
	Message string
}

func (e *ProcessingError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("processing job %s failed", e.JobID)
	}
	return fmt.Sprintf("processing job %s failed: %s", e.JobID, e.Message)
}
