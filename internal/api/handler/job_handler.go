package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/cuongbtq/ostdata-archive/internal/api/auth"
	"github.com/cuongbtq/ostdata-archive/internal/api/dto"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateBulkJob handles POST /api/v1/download-jobs
// Enqueues an archive of files selected across runs
func (h *JobHandler) CreateBulkJob(c *gin.Context) {
	h.enqueue(c, nil)
}

// CreateRunJob handles POST /api/v1/runs/:run_id/download-jobs
// Enqueues an archive of files of one observation run
func (h *JobHandler) CreateRunJob(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("run_id"), 10, 64)
	if err != nil || runID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id must be a positive integer"})
		return
	}

	caller := auth.CallerFrom(c)
	visible, err := h.runs.RunVisible(c.Request.Context(), runID, caller.Anonymous())
	if err != nil {
		h.respondError(c, err, "Failed to load run")
		return
	}
	if !visible {
		h.respondError(c, domain.ErrRunNotFound, "")
		return
	}

	h.enqueue(c, &runID)
}

func (h *JobHandler) enqueue(c *gin.Context, runID *int64) {
	var req dto.EnqueueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "detail": err.Error()})
			return
		}
	}

	caller := auth.CallerFrom(c)
	job := &domain.Job{
		ID:          uuid.NewString(),
		RunID:       runID,
		SelectedIDs: req.IDs,
		Filters:     req.Filters.ToDomain(),
		Status:      domain.JobStatusQueued,
	}
	if !caller.Anonymous() {
		owner := caller.UserID
		job.OwnerID = &owner
	}

	ctx := c.Request.Context()
	if err := h.jobs.CreateJob(ctx, job); err != nil {
		h.respondError(c, err, "Failed to create job")
		return
	}

	if err := h.publisher.PublishJSON(ctx, domain.JobMessage{JobID: job.ID}); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		// the record must not stay queued with no message behind it
		now := h.now()
		if _, _, cancelErr := h.jobs.CancelJob(context.WithoutCancel(ctx), job.ID, reasonNotQueued, now, now.Add(h.retentionTTL)); cancelErr != nil {
			h.logger.Error("Failed to cancel unqueued job",
				slog.String("job_id", job.ID),
				slog.Any("error", cancelErr),
			)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to enqueue job"})
		return
	}

	h.metrics.JobEnqueued()
	h.logger.Info("Download job enqueued",
		slog.String("job_id", job.ID),
		slog.Bool("anonymous", job.IsAnonymous()),
		slog.Int("selected_ids", len(job.SelectedIDs)),
	)

	c.JSON(http.StatusCreated, dto.EnqueueResponse{JobID: job.ID})
}

// jobID validates the :job_id path parameter
func jobID(c *gin.Context) (string, bool) {
	id := c.Param("job_id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return "", false
	}
	return id, true
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.loadVisibleJob(c.Request.Context(), auth.CallerFrom(c), id)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	resp := dto.StatusResponse{
		JobID:      job.ID,
		Status:     string(job.Status),
		Progress:   job.Progress,
		BytesTotal: job.BytesTotal,
		BytesDone:  job.BytesDone,
	}
	if job.Status == domain.JobStatusDone && job.FilePath != "" {
		url := "/api/v1/jobs/" + job.ID + "/download"
		resp.URL = &url
	}
	if job.Error != "" {
		resp.Error = &job.Error
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Finished jobs are returned unchanged
func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	caller := auth.CallerFrom(c)
	job, err := h.loadVisibleJob(ctx, caller, id)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	if job.Status.IsTerminal() {
		c.JSON(http.StatusOK, dto.CancelResponse{Status: string(job.Status), Error: job.Error})
		return
	}

	now := h.now()
	job, cancelled, err := h.jobs.CancelJob(ctx, id, "Cancelled by "+caller.Actor(), now, now.Add(h.retentionTTL))
	if err != nil {
		h.respondError(c, err, "Failed to cancel job")
		return
	}

	if cancelled {
		h.metrics.JobsCancelled(caller.Actor(), 1)
		// the worker also watches the record, so a lost flag only delays it
		if err := h.signals.Raise(ctx, id); err != nil {
			h.logger.Warn("Failed to raise cancel signal",
				slog.String("job_id", id),
				slog.Any("error", err),
			)
		}
	}

	c.JSON(http.StatusOK, dto.CancelResponse{Status: string(job.Status), Error: job.Error})
}

// DownloadJob handles GET /api/v1/jobs/:job_id/download
// Streams the archive of a done job
func (h *JobHandler) DownloadJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	job, err := h.loadVisibleJob(ctx, auth.CallerFrom(c), id)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	if job.Status != domain.JobStatusDone || job.FilePath == "" {
		h.respondError(c, domain.ErrNotReady, "")
		return
	}

	rc, info, err := h.artifacts.Open(ctx, job.FilePath)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			h.logger.Warn("Artifact missing for done job",
				slog.String("job_id", id),
				slog.String("artifact", job.FilePath),
			)
		}
		h.respondError(c, err, "Failed to open artifact")
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, "application/zip", rc, map[string]string{
		"Content-Disposition": `attachment; filename="` + path.Base(job.FilePath) + `"`,
	})
}

// ListJobs handles GET /api/v1/jobs
// Administrators see every job, users their own, anonymous callers none
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters", "detail": err.Error()})
		return
	}

	caller := auth.CallerFrom(c)
	if caller.Anonymous() {
		c.JSON(http.StatusOK, dto.ListJobsResponse{Items: []dto.JobDTO{}})
		return
	}

	owner := caller.UserID
	if caller.Admin {
		owner = req.User
	} else if req.User != "" && req.User != caller.UserID {
		h.respondError(c, domain.ErrForbidden, "")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		OwnerID:  owner,
		RunID:    req.Run,
		Status:   domain.JobStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	items := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		items[i] = dto.FromJob(&jobs[i])
	}

	resp := dto.ListJobsResponse{Items: items}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}
