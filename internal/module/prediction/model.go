// Package prediction drives long-running image generation jobs on an
// upstream service to completion.
package prediction

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job as reported by the upstream service.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the job will not change state again.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsPending reports whether the job is still waiting or running.
func (s Status) IsPending() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Job is a snapshot of an upstream job. The poller never changes Status
// itself.
type Job struct {
	ID     string
	Status Status
	// Output holds artifact URLs. Only set when Status is succeeded.
	Output []string
	// Error holds the upstream failure message. Only set when Status is failed.
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// JobSpec describes a job to submit.
type JobSpec struct {
	// Model is "owner/name". A ":version" suffix pins a version.
	Model string
	// Version pins an exact model version and takes precedence over Model.
	Version string
	Input   map[string]any
}

// Client performs single round trips against the upstream job API.
type Client interface {
	// Submit creates a job.
	Submit(ctx context.Context, spec *JobSpec) (*Job, error)
	// Get reads the current state of a job.
	Get(ctx context.Context, id string) (*Job, error)
}
