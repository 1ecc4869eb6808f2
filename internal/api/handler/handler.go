package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/internal/subsystem"
	"github.com/cuongbtq/job-engine/internal/worker"
)

// JobStore is the part of the job store the API uses
type JobStore interface {
	Add(ctx context.Context, jobType string, params domain.Params) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	CancelPending(ctx context.Context, id int64, reason string) (bool, error)
	FinishRunning(ctx context.Context, id int64, status domain.JobStatus, errMsg string) (bool, error)
	RunningCount(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int, error)
	CompletedSince(ctx context.Context, window time.Duration) (int, error)
}

// Pool is the part of the worker pool the API uses
type Pool interface {
	CancelJob(id int64) bool
	Status() worker.Status
}

// EventHub exposes the local subscriber set and event counters
type EventHub interface {
	Local() *events.Bus
	Stats() events.Stats
}

// StatusSource lists subsystem statuses
type StatusSource interface {
	List() []subsystem.Subsystem
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Store      JobStore
	Pool       Pool
	Events     EventHub
	Subsystems StatusSource
	// HealthCheck reports database reachability; nil means always healthy
	HealthCheck func(ctx context.Context) error
	// AllowedOrigins for websocket upgrades; empty allows any origin
	AllowedOrigins []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	store  JobStore
	pool   Pool
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		store:  deps.Store,
		pool:   deps.Pool,
	}
}

// SystemHandler serves health, pool, subsystem and event endpoints
type SystemHandler struct {
	logger      *slog.Logger
	store       JobStore
	pool        Pool
	events      EventHub
	subsystems  StatusSource
	healthCheck func(ctx context.Context) error
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		pool:        deps.Pool,
		events:      deps.Events,
		subsystems:  deps.Subsystems,
		healthCheck: deps.HealthCheck,
	}
}
