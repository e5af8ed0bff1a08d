// Package jobs exposes the background job queue to the HTTP layer and
// provides the built-in job handlers.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"go.uber.org/zap"
)

// PayloadValidator is implemented by handlers that can reject a payload
// before it is queued
type PayloadValidator interface {
	Validate(payload []byte) error
}

// Service queues jobs and manages their lifecycle
type Service struct {
	repo               job.Repository
	registry           *queue.Registry
	metrics            *metrics.Metrics
	logger             *zap.Logger
	defaultMaxAttempts int
	now                func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceMetrics refreshes queue gauges on Stats
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithDefaultMaxAttempts sets the attempt cap for requests that do not set one
func WithDefaultMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.defaultMaxAttempts = n
		}
	}
}

// WithServiceClock overrides time.Now, for tests
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new job Service
func NewService(repo job.Repository, registry *queue.Registry, log *zap.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		repo:               repo,
		registry:           registry,
		logger:             log,
		defaultMaxAttempts: job.DefaultMaxAttempts,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates and stores a new job
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*JobResponse, error) {
	jobType := strings.TrimSpace(req.Type)
	h, ok := s.registry.Get(jobType)
	if !ok {
		return nil, queue.ErrUnknownJobType
	}

	payload := []byte(req.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, job.ErrInvalidPayload
	}
	if v, ok := h.(PayloadValidator); ok {
		if err := v.Validate(payload); err != nil {
			return nil, err
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	opts := []job.Option{job.WithMaxAttempts(maxAttempts), job.WithPriority(req.Priority)}
	if req.RunAt != nil {
		opts = append(opts, job.WithScheduledAt(*req.RunAt))
	}

	j, err := job.NewJob(jobType, payload, opts...)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if req.RunAt == nil {
		j.ScheduledAt = now
	}

	if err := s.repo.Save(ctx, j); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	logger.Or(ctx, s.logger).Info("Job queued",
		zap.String("job_id", j.ID.String()),
		zap.String("job_type", j.Type),
		zap.Time("scheduled_at", j.ScheduledAt),
	)
	resp := ToJobResponse(j)
	return &resp, nil
}

// Get returns a single job
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	j, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := ToJobResponse(j)
	return &resp, nil
}

// List returns a page of jobs, newest first
func (s *Service) List(ctx context.Context, q ListJobsQuery) (*JobListResponse, error) {
	filter := job.Filter{
		Status:     job.Status(q.Status),
		Type:       strings.TrimSpace(q.Type),
		OrderBy:    q.OrderBy,
		OrderDir:   q.OrderDir,
		Pagination: shared.Pagination{Page: q.Page, PageSize: q.PageSize}.Normalize(),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.NewDomainError("INVALID_INPUT", "Unknown job status")
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, ToJobResponse(j))
	}
	return &JobListResponse{
		Items:      out,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: filter.TotalPages(total),
	}, nil
}

// Retry requeues a failed or cancelled job with a fresh attempt budget
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	return s.transition(ctx, id, "Job requeued", func(j *job.Job, now time.Time) error {
		return j.Retry(now)
	})
}

// Cancel withdraws a queued job
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	return s.transition(ctx, id, "Job cancelled", func(j *job.Job, now time.Time) error {
		return j.Cancel(now)
	})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, msg string, fn func(*job.Job, time.Time) error) (*JobResponse, error) {
	j, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(j, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, j); err != nil {
		return nil, err
	}
	logger.Or(ctx, s.logger).Info(msg,
		zap.String("job_id", j.ID.String()),
		zap.String("job_type", j.Type),
	)
	resp := ToJobResponse(j)
	return &resp, nil
}

// Stats counts jobs per status and lists the registered types
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(job.AllStatuses()))
	var total int64
	for _, st := range job.AllStatuses() {
		out[string(st)] = counts[st]
		total += counts[st]
	}
	s.metrics.SetJobCounts(out)
	return &StatsResponse{Counts: out, Total: total, Types: s.registry.Types()}, nil
}

// Types returns the job types that can be queued
func (s *Service) Types() []string {
	return s.registry.Types()
}
