package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/job-engine/internal/api/dto"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const completedWindow = 24 * time.Hour

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Warn("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "job-engine",
				"error":   err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      "job-engine",
		"pool_running": h.pool.Status().Running,
	})
}

// PoolStatus handles GET /api/v1/pool/status
func (h *SystemHandler) PoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}

// PoolMetrics handles GET /api/v1/pool/metrics
// Combines the local slot table with cluster wide job counts
func (h *SystemHandler) PoolMetrics(c *gin.Context) {
	var running, pending, completed int

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(func() (err error) {
		running, err = h.store.RunningCount(ctx)
		return err
	})
	g.Go(func() (err error) {
		pending, err = h.store.PendingCount(ctx)
		return err
	})
	g.Go(func() (err error) {
		completed, err = h.store.CompletedSince(ctx, completedWindow)
		return err
	})
	if err := g.Wait(); err != nil {
		h.logger.Error("Failed to collect pool metrics", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to collect pool metrics",
		})
		return
	}

	st := h.pool.Status()
	c.JSON(http.StatusOK, dto.PoolMetricsResponse{
		MaxWorkers:      st.MaxWorkers,
		Running:         st.Running,
		ActiveCount:     st.ActiveCount,
		IdleCount:       st.IdleCount,
		RunningJobs:     running,
		PendingJobs:     pending,
		CompletedLast24: completed,
	})
}

// EventStats handles GET /api/v1/events/stats
func (h *SystemHandler) EventStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.events.Stats())
}

// Subsystems handles GET /api/v1/subsystems
func (h *SystemHandler) Subsystems(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"subsystems": h.subsystems.List(),
	})
}
