package models

import (
	"time"

	"github.com/jewelpos/backend/internal/domain/job"
)

// JobModel is the persistence model for background jobs (the job_queue table)
type JobModel struct {
	BaseModel
	Type        string     `gorm:"type:varchar(64);not null;index"`
	Payload     string     `gorm:"type:text;not null"`
	Status      job.Status `gorm:"type:varchar(20);not null;index:idx_job_queue_claim,priority:1"`
	Priority    int        `gorm:"not null;default:0"`
	Attempts    int        `gorm:"not null;default:0"`
	MaxAttempts int        `gorm:"not null;default:3"`
	ScheduledAt time.Time  `gorm:"not null;index:idx_job_queue_claim,priority:2"`
	StartedAt   *time.Time `gorm:"index"`
	CompletedAt *time.Time `gorm:"index"`
	LastError   string     `gorm:"type:text"`
	Result      string     `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (JobModel) TableName() string {
	return "job_queue"
}

// ToDomain converts the persistence model to a domain Job
func (m *JobModel) ToDomain() *job.Job {
	j := &job.Job{
		BaseEntity:  m.BaseModel.ToDomain(),
		Type:        m.Type,
		Payload:     []byte(m.Payload),
		Status:      m.Status,
		Priority:    m.Priority,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		ScheduledAt: m.ScheduledAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		LastError:   m.LastError,
	}
	if m.Result != "" {
		j.Result = []byte(m.Result)
	}
	return j
}

// FromDomain populates the persistence model from a domain Job
func (m *JobModel) FromDomain(j *job.Job) {
	m.FromDomainBaseEntity(j.BaseEntity)
	m.Type = j.Type
	m.Payload = string(j.Payload)
	m.Status = j.Status
	m.Priority = j.Priority
	m.Attempts = j.Attempts
	m.MaxAttempts = j.MaxAttempts
	m.ScheduledAt = j.ScheduledAt
	m.StartedAt = j.StartedAt
	m.CompletedAt = j.CompletedAt
	m.LastError = j.LastError
	m.Result = string(j.Result)
}

// JobModelFromDomain creates a new persistence model from a domain Job
func JobModelFromDomain(j *job.Job) *JobModel {
	m := &JobModel{}
	m.FromDomain(j)
	return m
}
