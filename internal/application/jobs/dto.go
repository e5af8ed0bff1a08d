package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/job"
)

// EnqueueRequest represents a request to queue background work
type EnqueueRequest struct {
	Type        string          `json:"type" binding:"required,max=64"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts" binding:"omitempty,min=1,max=25"`
	Priority    int             `json:"priority" binding:"omitempty,min=-100,max=100"`
	RunAt       *time.Time      `json:"run_at"`
}

// ListJobsQuery filters the job listing
type ListJobsQuery struct {
	Status   string `form:"status" binding:"omitempty,oneof=queued processing completed failed cancelled"`
	Type     string `form:"type" binding:"omitempty,max=64"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	OrderBy  string `form:"order_by" binding:"omitempty,max=32"`
	OrderDir string `form:"order_dir" binding:"omitempty,oneof=asc desc ASC DESC"`
}

// JobResponse represents a job in API responses
type JobResponse struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobListResponse is one page of jobs
type JobListResponse struct {
	Items      []JobResponse `json:"items"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

// StatsResponse summarizes the queue
type StatsResponse struct {
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
	Types  []string         `json:"types"`
}

// ToJobResponse converts a domain job
func ToJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:          j.ID,
		Type:        j.Type,
		Status:      string(j.Status),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Payload:     rawJSON(j.Payload),
		LastError:   j.LastError,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if len(j.Result) > 0 {
		resp.Result = rawJSON(j.Result)
	}
	return resp
}

// rawJSON guards the response encoder against rows edited by hand
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
