// Package queue is a small durable job queue with Postgres and Redis backends and
// a polling worker that processes claimed jobs under a concurrency cap.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxAttempts bounds how often a job is claimed before it is marked failed.
const DefaultMaxAttempts = 5

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// Job is one unit of work. Attempts counts claims, including the current one.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RunAfter    time.Time       `json:"run_after"`
	ClaimedAt   time.Time       `json:"claimed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Depth is the number of jobs of a kind in each state.
type Depth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Store is a queue backend.
type Store interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
	// Claim moves up to limit due pending jobs to processing and returns them.
	Claim(ctx context.Context, kind string, limit int) ([]Job, error)
	Complete(ctx context.Context, id string) error
	// Fail records cause against the job and either schedules a retry or marks it
	// failed when attempts are exhausted. It returns the resulting status.
	Fail(ctx context.Context, job Job, cause error) (Status, error)
	Depth(ctx context.Context, kind string) (Depth, error)
	// RequeueStale returns processing jobs claimed before now-olderThan to pending.
	RequeueStale(ctx context.Context, kind string, olderThan time.Duration) (int64, error)
}

// RetryDelay is the wait before the next claim of a job that has failed attempts times.
func RetryDelay(attempts int) time.Duration {
	const (
		base     = 2 * time.Second
		maxDelay = 5 * time.Minute
	)
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// nextState decides where a failed job goes.
func nextState(job Job, now time.Time) (Status, time.Time) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if job.Attempts >= maxAttempts {
		return StatusFailed, now
	}
	return StatusPending, now.Add(RetryDelay(job.Attempts))
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 1000 {
		s = s[:1000]
	}
	return s
}
