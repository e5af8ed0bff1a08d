package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	jobsapp "github.com/jewelpos/backend/internal/application/jobs"
)

// JobService is the queue surface the job endpoints need
type JobService interface {
	Enqueue(ctx context.Context, req jobsapp.EnqueueRequest) (*jobsapp.JobResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*jobsapp.JobResponse, error)
	List(ctx context.Context, q jobsapp.ListJobsQuery) (*jobsapp.JobListResponse, error)
	Retry(ctx context.Context, id uuid.UUID) (*jobsapp.JobResponse, error)
	Cancel(ctx context.Context, id uuid.UUID) (*jobsapp.JobResponse, error)
	Stats(ctx context.Context) (*jobsapp.StatsResponse, error)
	Types() []string
}

// JobHandler handles background job endpoints
type JobHandler struct {
	BaseHandler
	jobs JobService
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Enqueue queues a job. The job runs later on the worker, so the
// response is 202 with the stored job.
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req jobsapp.EnqueueRequest
	if !h.BindJSON(c, &req) {
		return
	}
	resp, err := h.jobs.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, resp)
}

// List returns a page of jobs, newest first
func (h *JobHandler) List(c *gin.Context) {
	var q jobsapp.ListJobsQuery
	if !h.BindQuery(c, &q) {
		return
	}
	resp, err := h.jobs.List(c.Request.Context(), q)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, resp.Items, resp.Total, resp.Page, resp.PageSize)
}

// Get returns a single job
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	resp, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// Retry requeues a failed or cancelled job
func (h *JobHandler) Retry(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	resp, err := h.jobs.Retry(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// Cancel withdraws a queued job
func (h *JobHandler) Cancel(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	resp, err := h.jobs.Cancel(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// Stats returns job counts per status
func (h *JobHandler) Stats(c *gin.Context) {
	resp, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}

// Types lists the job types that can be queued
func (h *JobHandler) Types(c *gin.Context) {
	h.Success(c, h.jobs.Types())
}
