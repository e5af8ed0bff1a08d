// Package job models background work items stored in the job_queue table.
package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jewelpos/backend/internal/domain/shared"
)

// Status represents the lifecycle state of a queued job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every job status in lifecycle order
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further processing happens without a manual retry
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	DefaultMaxAttempts = 3
	MaxAllowedAttempts = 25
	maxTypeLength      = 64
	maxErrorLength     = 2000
)

var (
	ErrEmptyType          = shared.NewDomainError("INVALID_INPUT", "Job type is required")
	ErrTypeTooLong        = shared.NewDomainError("INVALID_INPUT", "Job type must be at most 64 characters")
	ErrInvalidPayload     = shared.NewDomainError("INVALID_INPUT", "Job payload must be valid JSON")
	ErrInvalidMaxAttempts = shared.NewDomainError("INVALID_INPUT", "Max attempts must be between 1 and 25")
	ErrNotQueued          = shared.NewDomainError("INVALID_STATE", "Job is not queued")
	ErrNotProcessing      = shared.NewDomainError("INVALID_STATE", "Job is not processing")
	ErrNotRetryable       = shared.NewDomainError("INVALID_STATE", "Only failed or cancelled jobs can be retried")
	ErrJobNotFound        = shared.NewDomainError("NOT_FOUND", "Job not found")
)

// Job is a unit of background work dispatched by type to a registered handler
type Job struct {
	shared.BaseEntity
	Type        string
	Payload     []byte
	Status      Status
	Priority    int
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   string
	Result      []byte
}

// Option customizes a job at creation time
type Option func(*Job)

// WithMaxAttempts overrides the default attempt cap
func WithMaxAttempts(n int) Option {
	return func(j *Job) {
		j.MaxAttempts = n
	}
}

// WithScheduledAt delays the first attempt until t
func WithScheduledAt(t time.Time) Option {
	return func(j *Job) {
		if !t.IsZero() {
			j.ScheduledAt = t.UTC()
		}
	}
}

// WithPriority breaks ties between jobs due at the same instant
func WithPriority(p int) Option {
	return func(j *Job) {
		j.Priority = p
	}
}

// NewJob creates a queued job. An empty payload is stored as {}.
func NewJob(jobType string, payload []byte, opts ...Option) (*Job, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, ErrEmptyType
	}
	if len(jobType) > maxTypeLength {
		return nil, ErrTypeTooLong
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	base := shared.NewBaseEntity()
	j := &Job{
		BaseEntity:  base,
		Type:        jobType,
		Payload:     payload,
		Status:      StatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		ScheduledAt: base.CreatedAt,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.MaxAttempts < 1 || j.MaxAttempts > MaxAllowedAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	return j, nil
}

// MarkProcessing claims the job for one attempt
func (j *Job) MarkProcessing(now time.Time) error {
	if j.Status != StatusQueued {
		return ErrNotQueued
	}
	j.Status = StatusProcessing
	j.Attempts++
	j.StartedAt = &now
	j.CompletedAt = nil
	j.Touch(now)
	return nil
}

// MarkCompleted records a successful attempt
func (j *Job) MarkCompleted(result []byte, now time.Time) error {
	if j.Status != StatusProcessing {
		return ErrNotProcessing
	}
	j.Status = StatusCompleted
	j.Result = result
	j.LastError = ""
	j.CompletedAt = &now
	j.Touch(now)
	return nil
}

// MarkFailed records a failed attempt. While attempts remain the job goes
// back to the queue, delayed by backoff multiplied by the attempt count.
func (j *Job) MarkFailed(errMsg string, backoff time.Duration, now time.Time) error {
	if j.Status != StatusProcessing {
		return ErrNotProcessing
	}
	j.LastError = truncate(errMsg, maxErrorLength)
	j.Touch(now)

	if j.Attempts < j.MaxAttempts {
		j.Status = StatusQueued
		j.ScheduledAt = now.Add(backoff * time.Duration(j.Attempts))
		return nil
	}

	j.Status = StatusFailed
	j.CompletedAt = &now
	return nil
}

// MarkPermanentlyFailed fails the job without further retries
func (j *Job) MarkPermanentlyFailed(errMsg string, now time.Time) error {
	if j.Status != StatusProcessing {
		return ErrNotProcessing
	}
	j.Status = StatusFailed
	j.LastError = truncate(errMsg, maxErrorLength)
	j.CompletedAt = &now
	j.Touch(now)
	return nil
}

// Retry puts a failed or cancelled job back into the queue with a fresh attempt budget
func (j *Job) Retry(now time.Time) error {
	if j.Status != StatusFailed && j.Status != StatusCancelled {
		return ErrNotRetryable
	}
	j.Status = StatusQueued
	j.Attempts = 0
	j.LastError = ""
	j.ScheduledAt = now
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Touch(now)
	return nil
}

// Cancel withdraws a job that has not started yet
func (j *Job) Cancel(now time.Time) error {
	if j.Status != StatusQueued {
		return ErrNotQueued
	}
	j.Status = StatusCancelled
	j.CompletedAt = &now
	j.Touch(now)
	return nil
}

// ResetStale requeues a job whose worker died mid-attempt
func (j *Job) ResetStale(now time.Time) error {
	if j.Status != StatusProcessing {
		return ErrNotProcessing
	}
	j.Status = StatusQueued
	j.ScheduledAt = now
	j.StartedAt = nil
	j.Touch(now)
	return nil
}

// IsDue reports whether the job may be claimed at now
func (j *Job) IsDue(now time.Time) bool {
	return j.Status == StatusQueued && !j.ScheduledAt.After(now)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
