package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/job-engine/internal/api/dto"
	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a pending job; the worker pool picks it up on its next poll
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	id, err := h.store.Add(c.Request.Context(), req.Type, domain.Params(req.Params))
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	h.logger.Info("Job created",
		slog.Int64("job_id", id),
		slog.String("job_type", req.Type),
	)

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:  id,
		Status: domain.JobStatusPending,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, id, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job, true))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status filter and offset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	jobs, err := h.store.List(c.Request.Context(), domain.JobFilter{
		Status: status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	out := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		out[i] = dto.NewJobDTO(&jobs[i], false)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:   out,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Pending jobs are cancelled in the store. Running jobs are stopped by the
// local pool when it owns them; otherwise the row is marked cancelled.
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	job, err := h.store.Get(ctx, id)
	if err != nil {
		h.respondStoreError(c, id, "Failed to get job", err)
		return
	}

	if job.Status == domain.JobStatusPending {
		cancelled, err := h.store.CancelPending(ctx, id, domain.MsgCancelledBeforeRun)
		if err != nil {
			h.respondStoreError(c, id, "Failed to cancel job", err)
			return
		}
		if cancelled {
			h.logger.Info("Pending job cancelled", slog.Int64("job_id", id))
			c.JSON(http.StatusOK, dto.CancelJobResponse{JobID: id, Status: domain.JobStatusCancelled, Local: true})
			return
		}

		// Claimed between the read and the update
		if job, err = h.store.Get(ctx, id); err != nil {
			h.respondStoreError(c, id, "Failed to get job", err)
			return
		}
	}

	if job.Status != domain.JobStatusRunning {
		c.JSON(http.StatusConflict, gin.H{
			"error":  domain.ErrJobNotCancellable.Error(),
			"job_id": id,
			"status": job.Status,
		})
		return
	}

	if h.pool.CancelJob(id) {
		c.JSON(http.StatusAccepted, dto.CancelJobResponse{JobID: id, Status: domain.JobStatusCancelled, Local: true})
		return
	}

	// Owned by another instance: record the cancellation and drop the slot lock
	cancelled, err := h.store.FinishRunning(ctx, id, domain.JobStatusCancelled, domain.MsgCancelledByUser)
	if err != nil {
		h.respondStoreError(c, id, "Failed to cancel job", err)
		return
	}
	if !cancelled {
		// Finished between the read and the update
		if job, err = h.store.Get(ctx, id); err != nil {
			h.respondStoreError(c, id, "Failed to get job", err)
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":  domain.ErrJobNotCancellable.Error(),
			"job_id": id,
			"status": job.Status,
		})
		return
	}
	h.logger.Warn("Running job cancelled on another instance's slot", slog.Int64("job_id", id))
	c.JSON(http.StatusOK, dto.CancelJobResponse{JobID: id, Status: domain.JobStatusCancelled, Local: false})
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func (h *JobHandler) respondStoreError(c *gin.Context, id int64, msg string, err error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Job not found",
			"job_id": id,
		})
		return
	}
	h.logger.Error(msg, slog.Int64("job_id", id), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": msg,
	})
}
