package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/api/dto"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/gin-gonic/gin"
)

const reasonBatchCancel = "Cancelled by administrator (batch)"

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// BatchCancel handles POST /api/v1/admin/jobs/cancel
// Unknown ids are ignored; finished jobs are counted as skipped
func (h *JobHandler) BatchCancel(c *gin.Context) {
	var req dto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	now := h.now()
	expiresAt := now.Add(h.retentionTTL)

	var resp dto.BatchCancelResponse
	var raised []string
	for _, id := range uniqueIDs(req.IDs) {
		_, cancelled, err := h.jobs.CancelJob(ctx, id, reasonBatchCancel, now, expiresAt)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			h.respondError(c, err, "Failed to cancel jobs")
			return
		}
		if !cancelled {
			resp.Skipped++
			continue
		}
		resp.Cancelled++
		raised = append(raised, id)
	}

	if len(raised) > 0 {
		if err := h.signals.RaiseMany(ctx, raised); err != nil {
			h.logger.Warn("Failed to raise batch cancel signals",
				slog.Int("jobs", len(raised)),
				slog.Any("error", err),
			)
		}
	}
	h.metrics.JobsCancelled("administrator", resp.Cancelled)

	h.logger.Info("Batch cancel finished",
		slog.Int("cancelled", resp.Cancelled),
		slog.Int("skipped", resp.Skipped),
	)
	c.JSON(http.StatusOK, resp)
}

// BatchExtendExpiry handles POST /api/v1/admin/jobs/extend-expiry
// Pushes the expiry of finished jobs forward by hours (default from config)
func (h *JobHandler) BatchExtendExpiry(c *gin.Context) {
	var req dto.BatchExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "detail": err.Error()})
		return
	}

	hours := h.extendHours
	if req.Hours != nil {
		hours = *req.Hours
	}
	if hours <= 0 || len(req.IDs) == 0 {
		c.JSON(http.StatusOK, dto.BatchExtendResponse{})
		return
	}

	updated, err := h.jobs.ExtendExpiry(c.Request.Context(), uniqueIDs(req.IDs), time.Duration(hours)*time.Hour)
	if err != nil {
		h.respondError(c, err, "Failed to extend expiry")
		return
	}

	c.JSON(http.StatusOK, dto.BatchExtendResponse{Updated: updated})
}

// BatchExpireNow handles POST /api/v1/admin/jobs/expire-now
// Expires finished jobs immediately and deletes their archives
func (h *JobHandler) BatchExpireNow(c *gin.Context) {
	var req dto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "detail": err.Error()})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusOK, dto.BatchExpireResponse{})
		return
	}

	res, err := h.expirer.ExpireNow(c.Request.Context(), uniqueIDs(req.IDs))
	if err != nil {
		h.respondError(c, err, "Failed to expire jobs")
		return
	}

	c.JSON(http.StatusOK, dto.BatchExpireResponse{Expired: res.Swept})
}

// Cleanup handles POST /api/v1/admin/cleanup
// Starts one sweeper pass in the background
func (h *JobHandler) Cleanup(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())

	h.sweeps.Add(1)
	go func() {
		defer h.sweeps.Done()

		res, err := h.expirer.SweepOnce(ctx)
		if err != nil {
			h.logger.Error("Requested sweep failed", slog.Any("error", err))
			return
		}
		h.logger.Info("Requested sweep finished",
			slog.Int("swept", res.Swept),
			slog.Int64("bytes_freed", res.BytesFreed),
			slog.Int("errors", res.Errors),
		)
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
