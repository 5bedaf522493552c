package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/ostdata-archive/internal/domain"
)

// spawnWorkerPool starts one goroutine per concurrency slot
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop builds jobs one at a time and settles their deliveries
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	log := w.logger.With(slog.String("worker_name", workerName))
	log.Debug("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			log.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			log.Debug("Worker goroutine stopping - context canceled")
			return

		case msg := <-w.jobsChan:
			err := w.processJob(ctx, msg)
			w.settle(log, msg, err)
		}
	}
}

// settle acknowledges the delivery, or rejects it with a requeue decision
func (w *Worker) settle(log *slog.Logger, msg *domain.JobMessage, err error) {
	log = log.With(slog.String("job_id", msg.JobID))

	// a job claimed or cancelled before this builder started needs no redelivery
	if err == nil || errors.Is(err, domain.ErrJobAlreadyClaimed) {
		if ackErr := w.broker.Ack(msg.DeliveryTag); ackErr != nil {
			log.Error("Failed to ACK message", slog.Any("error", ackErr))
		}
		return
	}

	requeue := shouldRequeueJob(err)
	if nackErr := w.broker.Nack(msg.DeliveryTag, requeue); nackErr != nil {
		log.Error("Failed to NACK message", slog.Any("error", nackErr))
		return
	}

	log.Info("Message NACKed",
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	// the job never existed
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidMessage) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
