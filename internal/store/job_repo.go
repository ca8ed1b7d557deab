package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultMaxAttempts is how often a failing job runs before it is given up.
const DefaultMaxAttempts = 3

// Job is a durable one-off unit of work, such as a due-date reminder.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob stores the error and requeues the job at nextRunAt, or marks it
	// failed once it used up its attempts.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	CancelJob(ctx context.Context, id string) error

	// CancelJobsByDedupePrefix cancels every queued job whose dedupe key starts
	// with prefix and returns how many were canceled.
	CancelJobsByDedupePrefix(ctx context.Context, prefix string) (int, error)

	// RequeueStaleRunningJobs resets jobs running since before staleBefore
	// back to queued (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	// GetJob returns ErrNotFound for unknown IDs.
	GetJob(ctx context.Context, id string) (Job, error)
}

// retryBackoff is the delay before retry number attempt+1: 30s, 60s, 120s, ...
func retryBackoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(30*(1<<attempt)) * time.Second
}
