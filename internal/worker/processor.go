package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/domain"
)

// processJob runs the build for one message. A nil return means the
// delivery can be acknowledged.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	log := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)
	log.Info("Processing job", slog.Uint64("delivery_tag", msg.DeliveryTag))

	start := time.Now()
	err := w.builder.Build(ctx, msg.JobID)

	switch {
	case err == nil:
		log.Info("Job processed", slog.Duration("elapsed", time.Since(start)))
	case errors.Is(err, domain.ErrJobAlreadyClaimed):
		log.Warn("Job already claimed, skipping")
	case errors.Is(err, domain.ErrJobNotFound):
		log.Warn("Job not found, dropping message")
	default:
		log.Error("Job processing failed", slog.Any("error", err))
	}

	return err
}
