// Package sweeper reclaims expired archives and fails jobs whose worker went away.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/artifact"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/metrics"
)

const (
	DefaultInterval   = 10 * time.Minute
	DefaultBatchSize  = 500
	DefaultStaleAfter = 6 * time.Hour

	reasonWorkerLost = "Worker lost"
)

// JobStore is the slice of the job record store the sweeper needs
type JobStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	ListJobsByIDs(ctx context.Context, jobIDs []string) ([]domain.Job, error)
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
	ExpireAt(ctx context.Context, jobIDs []string, at time.Time) ([]string, error)
	MarkExpired(ctx context.Context, jobID string, now time.Time) (bool, error)
	FailJob(ctx context.Context, jobID, reason string, finishedAt, expiresAt time.Time) (bool, error)
	ClearArtifact(ctx context.Context, jobID string) error
}

// Config holds sweeper dependencies
type Config struct {
	Jobs         JobStore
	Artifacts    artifact.Store
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Interval     time.Duration
	BatchSize    int
	StaleAfter   time.Duration // zero disables the stale job reaper
	RetentionTTL time.Duration
	Now          func() time.Time
}

// Result summarises one pass
type Result struct {
	Swept      int   `json:"swept"`
	BytesFreed int64 `json:"bytes_freed"`
	Errors     int   `json:"errors"`
}

// Sweeper deletes artifacts past their expiry and marks their jobs expired
type Sweeper struct {
	jobs       JobStore
	artifacts  artifact.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	ttl        time.Duration
	now        func() time.Time
}

// New creates a Sweeper
func New(cfg Config) *Sweeper {
	s := &Sweeper{
		jobs:       cfg.Jobs,
		artifacts:  cfg.Artifacts,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		staleAfter: cfg.StaleAfter,
		ttl:        cfg.RetentionTTL,
		now:        cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.ttl <= 0 {
		s.ttl = 72 * time.Hour
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Expiry sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Sweep failed", slog.Any("error", err))
	}
	if s.staleAfter > 0 {
		if _, err := s.ReapStale(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Stale job reap failed", slog.Any("error", err))
		}
	}
}

// SweepOnce reclaims every job whose expiry has passed. A job whose artifact
// could not be deleted keeps its location and is retried on the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var total Result
	for {
		now := s.now()
		jobs, err := s.jobs.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			return total, err
		}

		res := s.reclaim(ctx, jobs, now)
		total.Swept += res.Swept
		total.BytesFreed += res.BytesFreed
		total.Errors += res.Errors

		// a batch that made no progress would be returned again
		if len(jobs) < s.batchSize || res.Swept == 0 {
			break
		}
	}

	if total.Swept > 0 || total.Errors > 0 {
		s.logger.Info("Sweep finished",
			slog.Int("swept", total.Swept),
			slog.Int64("bytes_freed", total.BytesFreed),
			slog.Int("errors", total.Errors),
		)
	}
	return total, nil
}

// ExpireNow sets the expiry of the given finished jobs to now and reclaims them immediately
func (s *Sweeper) ExpireNow(ctx context.Context, jobIDs []string) (Result, error) {
	now := s.now()
	ids, err := s.jobs.ExpireAt(ctx, jobIDs, now)
	if err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{}, nil
	}

	jobs, err := s.jobs.ListJobsByIDs(ctx, ids)
	if err != nil {
		return Result{}, err
	}

	res := s.reclaim(ctx, jobs, now)
	s.logger.Info("Jobs expired on request",
		slog.Int("requested", len(jobIDs)),
		slog.Int("swept", res.Swept),
		slog.Int("errors", res.Errors),
	)
	return res, nil
}

// reclaim claims each job by moving it to expired before touching its
// artifact. The claim only succeeds while expires_at is still at or before
// now, so an expiry extended after listing keeps both the job and its archive.
func (s *Sweeper) reclaim(ctx context.Context, jobs []domain.Job, now time.Time) Result {
	var res Result
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		log := s.logger.With(slog.String("job_id", job.ID))

		// expired rows still holding a location were claimed by an earlier pass
		if job.Status != domain.JobStatusExpired {
			ok, err := s.jobs.MarkExpired(ctx, job.ID, now)
			if err != nil {
				log.Error("Failed to mark job expired", slog.Any("error", err))
				res.Errors++
				continue
			}
			if !ok {
				log.Debug("Job no longer due for expiry, skipping")
				continue
			}
		}

		var size int64
		if job.FilePath != "" {
			info, err := s.artifacts.Stat(ctx, job.FilePath)
			if err == nil {
				size = info.Size
			} else if !errors.Is(err, domain.ErrArtifactNotFound) {
				log.Warn("Failed to stat artifact", slog.Any("error", err))
			}

			if err := s.artifacts.Delete(ctx, job.FilePath); err != nil {
				log.Error("Failed to delete expired artifact",
					slog.String("artifact", job.FilePath),
					slog.Any("error", err),
				)
				res.Errors++
				continue
			}

			if err := s.jobs.ClearArtifact(ctx, job.ID); err != nil {
				log.Error("Failed to clear artifact location", slog.Any("error", err))
				res.Errors++
				continue
			}
		}

		res.Swept++
		res.BytesFreed += size
		log.Debug("Job expired", slog.Int64("bytes_freed", size))
	}

	s.metrics.Swept(res.Swept, res.BytesFreed, res.Errors)
	return res
}

// ReapStale fails running jobs whose record has not been updated within StaleAfter
// and discards whatever partial artifact they left behind
func (s *Sweeper) ReapStale(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}

	now := s.now()
	jobs, err := s.jobs.ListStaleRunning(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range jobs {
		log := s.logger.With(slog.String("job_id", job.ID))

		ok, err := s.jobs.FailJob(ctx, job.ID, reasonWorkerLost, now, now.Add(s.ttl))
		if err != nil {
			log.Error("Failed to fail stale job", slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		reaped++

		if job.FilePath == "" {
			continue
		}
		if err := s.artifacts.Delete(ctx, job.FilePath); err != nil {
			// the record keeps its location so the expiry pass retries the delete
			log.Error("Failed to delete partial artifact", slog.Any("error", err))
			continue
		}
		if err := s.jobs.ClearArtifact(ctx, job.ID); err != nil {
			log.Error("Failed to clear artifact location", slog.Any("error", err))
		}
	}

	if reaped > 0 {
		s.logger.Warn("Stale running jobs failed",
			slog.Int("count", reaped),
			slog.Duration("stale_after", s.staleAfter),
		)
	}
	s.metrics.Reaped(reaped)
	return reaped, nil
}
