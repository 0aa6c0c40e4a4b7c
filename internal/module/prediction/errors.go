package prediction

import (
	"errors"
	"fmt"
)

var (
	ErrSubmissionFailed   = errors.New("prediction submission failed")
	ErrPollFailed         = errors.New("prediction status read failed")
	ErrTransientUpstream  = errors.New("upstream temporarily unavailable")
	ErrJobFailed          = errors.New("prediction failed")
	ErrEmptyOutput        = errors.New("prediction succeeded without output")
	ErrUnrecognizedStatus = errors.New("unrecognized prediction status")
	ErrTimeout            = errors.New("prediction did not finish in time")
)

// JobFailedError carries the failure message reported by the upstream job.
type JobFailedError struct {
	ID      string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction %s failed", e.ID)
	}
	return fmt.Sprintf("prediction %s failed: %s", e.ID, e.Message)
}

func (e *JobFailedError) Unwrap() error {
	return ErrJobFailed
}

// UpstreamError is a non-2xx response from the upstream API.
type UpstreamError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.kind, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.kind
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
