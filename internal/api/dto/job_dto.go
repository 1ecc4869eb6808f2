package dto

import (
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
)

type CreateJobRequest struct {
	Type   string         `json:"type" binding:"required"`
	Params map[string]any `json:"params"`
}

type CreateJobResponse struct {
	JobID  int64            `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type ListJobsResponse struct {
	Jobs   []JobDTO `json:"jobs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

type CancelJobResponse struct {
	JobID  int64            `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Local  bool             `json:"local"`
}

type JobDTO struct {
	ID           int64            `json:"id"`
	Type         string           `json:"type"`
	Params       map[string]any   `json:"params"`
	Status       domain.JobStatus `json:"status"`
	Logs         string           `json:"logs,omitempty"`
	ErrorMessage *string          `json:"error_message"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at"`
	WorkerSlot   *int             `json:"worker_slot"`
}

// NewJobDTO converts a job; logs are only included when withLogs is set
func NewJobDTO(job *domain.Job, withLogs bool) JobDTO {
	out := JobDTO{
		ID:           job.ID,
		Type:         job.Type,
		Params:       job.Params,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		WorkerSlot:   job.WorkerSlot,
	}
	if out.Params == nil {
		out.Params = map[string]any{}
	}
	if withLogs {
		out.Logs = job.Logs
	}
	return out
}

type PoolMetricsResponse struct {
	MaxWorkers      int  `json:"max_workers"`
	Running         bool `json:"running"`
	ActiveCount     int  `json:"active_count"`
	IdleCount       int  `json:"idle_count"`
	RunningJobs     int  `json:"running_jobs"`
	PendingJobs     int  `json:"pending_jobs"`
	CompletedLast24 int  `json:"completed_last_24h"`
}
