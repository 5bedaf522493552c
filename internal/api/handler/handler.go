package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/api/auth"
	"github.com/cuongbtq/ostdata-archive/internal/artifact"
	"github.com/cuongbtq/ostdata-archive/internal/cancelsignal"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/metrics"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/cuongbtq/ostdata-archive/internal/sweeper"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200

	reasonNotQueued = "Could not be queued"
)

// JobStore is the slice of the job record store the API needs
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	CancelJob(ctx context.Context, jobID, reason string, finishedAt, expiresAt time.Time) (*domain.Job, bool, error)
	ExtendExpiry(ctx context.Context, jobIDs []string, d time.Duration) (int64, error)
}

// RunChecker answers whether an observation run is visible to a caller
type RunChecker interface {
	RunVisible(ctx context.Context, runID int64, anonymous bool) (bool, error)
}

// Publisher hands job ids to the build queue
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// Expirer reclaims artifacts on administrative request
type Expirer interface {
	SweepOnce(ctx context.Context) (sweeper.Result, error)
	ExpireNow(ctx context.Context, jobIDs []string) (sweeper.Result, error)
}

// HealthChecker is a dependency reported by the health endpoint
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Jobs         JobStore
	Runs         RunChecker
	Signals      cancelsignal.Store
	Artifacts    artifact.Store
	Publisher    Publisher
	Expirer      Expirer
	Metrics      *metrics.Metrics
	Health       map[string]HealthChecker
	RetentionTTL time.Duration
	ExtendHours  int
	Now          func() time.Time
}

// JobHandler handles download job HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	jobs         JobStore
	runs         RunChecker
	signals      cancelsignal.Store
	artifacts    artifact.Store
	publisher    Publisher
	expirer      Expirer
	metrics      *metrics.Metrics
	health       map[string]HealthChecker
	retentionTTL time.Duration
	extendHours  int
	now          func() time.Time

	sweeps sync.WaitGroup
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:       deps.Logger,
		jobs:         deps.Jobs,
		runs:         deps.Runs,
		signals:      deps.Signals,
		artifacts:    deps.Artifacts,
		publisher:    deps.Publisher,
		expirer:      deps.Expirer,
		metrics:      deps.Metrics,
		health:       deps.Health,
		retentionTTL: deps.RetentionTTL,
		extendHours:  deps.ExtendHours,
		now:          deps.Now,
	}
	if h.retentionTTL <= 0 {
		h.retentionTTL = 72 * time.Hour
	}
	if h.extendHours <= 0 {
		h.extendHours = 48
	}
	if h.now == nil {
		h.now = storage.Now
	}
	return h
}

// Wait blocks until background sweeps started by the cleanup endpoint finish
func (h *JobHandler) Wait() {
	h.sweeps.Wait()
}

// respondError maps domain errors to HTTP responses
func (h *JobHandler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, domain.ErrNotReady):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Not ready"})
	case errors.Is(err, domain.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File missing"})
	default:
		h.logger.Error(msg, slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// loadVisibleJob returns the job if the caller may see it. Jobs the caller
// may not see are reported as not found.
func (h *JobHandler) loadVisibleJob(ctx context.Context, caller auth.Caller, jobID string) (*domain.Job, error) {
	job, err := h.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.IsAnonymous() {
		if caller.Admin || job.OwnedBy(caller.UserID) {
			return job, nil
		}
		return nil, domain.ErrJobNotFound
	}

	// anonymous jobs follow the visibility of their run
	if caller.Anonymous() && job.RunID != nil {
		visible, err := h.runs.RunVisible(ctx, *job.RunID, true)
		if err != nil {
			return nil, err
		}
		if !visible {
			return nil, domain.ErrJobNotFound
		}
	}
	return job, nil
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(gin.H, len(h.health))
	for name, checker := range h.health {
		if err := checker.HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": "archive-api-service",
		"checks":  checks,
	})
}
