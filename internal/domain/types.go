package domain

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Known reports whether s is one of the recognized job statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether a job in this status will never be claimed again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// BackoffStrategy selects how retry delays grow between failed attempts.
type BackoffStrategy string

const (
	BackoffNone BackoffStrategy = "none"
	BackoffExp  BackoffStrategy = "exp"
)

// Known reports whether s is a recognized backoff strategy.
func (s BackoffStrategy) Known() bool {
	return s == BackoffNone || s == BackoffExp
}

// Job is a persistent unit of work. External consumers reference jobs by UID;
// the integer ID is internal and drives claim ordering.
type Job struct {
	ID                 int64           `json:"-"`
	UID                string          `json:"uid"`
	Type               string          `json:"type"`
	Payload            map[string]any  `json:"payload"`
	Status             Status          `json:"status"`
	Result             map[string]any  `json:"result"`
	Attempts           int32           `json:"attempts"`
	MaxAttempts        int32           `json:"max_attempts"`
	MaxAttemptDuration time.Duration   `json:"max_attempt_duration"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	RunAt              time.Time       `json:"run_at"`
	StartedAt          *time.Time      `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	Backoff            BackoffStrategy `json:"backoff_strategy"`
}

// AttemptStatus is the terminal outcome recorded on an attempt row.
// Empty until the attempt finishes.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptError   AttemptStatus = "error"
)

// Attempt is one physical execution of a job, logged as a separate row.
// Rows are created when the attempt starts and updated exactly once with
// their terminal status.
type Attempt struct {
	ID            int64          `json:"-"`
	JobID         int64          `json:"-"`
	AttemptNumber int32          `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	Status        AttemptStatus  `json:"status,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
}

// Handler executes one attempt of a job. The returned map becomes the job
// result on success. The context carries the per-attempt deadline when
// MaxAttemptDuration is set; handlers that ignore cancellation keep running
// after a timeout and continue to consume resources.
type Handler func(ctx context.Context, job *Job) (map[string]any, error)

// NoopHandler completes a job without user code. It is used when no handler
// is registered for a job type and no fallback handler is configured.
func NoopHandler(_ context.Context, _ *Job) (map[string]any, error) {
	return map[string]any{"noop": true}, nil
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = BackoffExp
)

// CreateParams describes a job submission.
type CreateParams struct {
	Type               string
	Payload            map[string]any
	MaxAttempts        int32           // default 3
	Backoff            BackoffStrategy // default exp
	MaxAttemptDuration time.Duration   // 0 means no deadline
	RunAt              *time.Time      // nil means eligible immediately
}

// Normalize applies defaults and validates the parameters.
func (p *CreateParams) Normalize() error {
	if p.Type == "" {
		return ErrEmptyJobType
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = DefaultBackoff
	}
	if !p.Backoff.Known() {
		return ErrUnknownBackoff
	}
	if p.MaxAttemptDuration < 0 {
		return ErrInvalidAttemptDuration
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	return nil
}
