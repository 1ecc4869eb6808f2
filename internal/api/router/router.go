package router

import (
	"github.com/cuongbtq/job-engine/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options holds router level settings
type Options struct {
	CORSOrigins    []string
	RateLimit      float64
	RateLimitBurst int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.CORSOrigins))

	jobHandler := handler.NewJobHandler(deps)
	systemHandler := handler.NewSystemHandler(deps)
	eventsHandler := handler.NewEventsHandler(deps)

	// Health check endpoint
	r.GET("/health", systemHandler.Health)

	// Websocket push of logs, statuses and completions
	r.GET("/ws", eventsHandler.Stream)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(RateLimitMiddleware(opts.RateLimit, opts.RateLimitBurst))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with status filter and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details and logs
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a pending or running job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		pool := v1.Group("/pool")
		{
			pool.GET("/status", systemHandler.PoolStatus)
			pool.GET("/metrics", systemHandler.PoolMetrics)
		}

		v1.GET("/events/stats", systemHandler.EventStats)
		v1.GET("/subsystems", systemHandler.Subsystems)
	}

	return r
}
