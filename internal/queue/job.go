package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a queued unit of work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Delay       time.Duration   `json:"delay"`
	Status      Status          `json:"status"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Stats counts jobs per state.
type Stats struct {
	Pending   int64 `json:"pending"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Payload is implemented by every job payload type. JobType must not depend
// on field values, since it is called on the zero value at registration.
type Payload interface {
	JobType() string
}

// Options tune a single enqueue.
type Options struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Backoff returns the retry delay after the given number of attempts.
func Backoff(unit time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	return unit * time.Duration(1<<attempts)
}
