// Package builder turns a queued download job into a zip archive.
//
// A build streams every resolved file into the archive in fixed-size chunks.
// Every few chunks, and at the end of each file, it checks the cancellation
// signal and the job record, and publishes progress. Cancellation is
// cooperative; a build is never preempted mid-chunk.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/artifact"
	"github.com/cuongbtq/ostdata-archive/internal/cancelsignal"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/metrics"
	"github.com/cuongbtq/ostdata-archive/internal/selection"
)

// Defaults
const (
	DefaultChunkSize         = 1 << 20
	DefaultCheckEvery        = 8
	DefaultRetentionTTL      = 72 * time.Hour
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultArtifactPrefix    = "download-jobs"
)

// Failure and cancellation texts persisted on the job
const (
	reasonSignalCancel = "Cancelled by signal"
	reasonShutdown     = "Interrupted by worker shutdown"
)

// JobStore is the slice of the job record store a build needs
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	GetStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
	StartJob(ctx context.Context, jobID string) (*domain.Job, error)
	SetBytesTotal(ctx context.Context, jobID string, total int64) error
	SetArtifact(ctx context.Context, jobID, path string) error
	UpdateProgress(ctx context.Context, jobID string, bytesDone int64, progress int) error
	TouchJob(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string, bytesDone int64, finishedAt, expiresAt time.Time) (bool, error)
	FailJob(ctx context.Context, jobID, reason string, finishedAt, expiresAt time.Time) (bool, error)
	CancelJob(ctx context.Context, jobID, reason string, finishedAt, expiresAt time.Time) (*domain.Job, bool, error)
	ClearArtifact(ctx context.Context, jobID string) error
}

// Resolver evaluates a job's selection against the catalog
type Resolver interface {
	Resolve(ctx context.Context, req selection.Request) ([]selection.SourceFile, error)
}

// Config holds builder dependencies and tunables
type Config struct {
	Jobs              JobStore
	Resolver          Resolver
	Signals           cancelsignal.Store
	Artifacts         artifact.Store
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	RetentionTTL      time.Duration
	ChunkSize         int
	CheckEvery        int
	HeartbeatInterval time.Duration
	ArtifactPrefix    string
	Now               func() time.Time
}

// Builder produces archives for download jobs
type Builder struct {
	jobs              JobStore
	resolver          Resolver
	signals           cancelsignal.Store
	artifacts         artifact.Store
	metrics           *metrics.Metrics
	logger            *slog.Logger
	ttl               time.Duration
	chunkSize         int
	checkEvery        int
	heartbeatInterval time.Duration
	prefix            string
	now               func() time.Time
}

// New creates a Builder, filling unset tunables with defaults
func New(cfg Config) *Builder {
	b := &Builder{
		jobs:              cfg.Jobs,
		resolver:          cfg.Resolver,
		signals:           cfg.Signals,
		artifacts:         cfg.Artifacts,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		ttl:               cfg.RetentionTTL,
		chunkSize:         cfg.ChunkSize,
		checkEvery:        cfg.CheckEvery,
		heartbeatInterval: cfg.HeartbeatInterval,
		prefix:            cfg.ArtifactPrefix,
		now:               cfg.Now,
	}
	if b.ttl <= 0 {
		b.ttl = DefaultRetentionTTL
	}
	if b.chunkSize <= 0 {
		b.chunkSize = DefaultChunkSize
	}
	if b.checkEvery <= 0 {
		b.checkEvery = DefaultCheckEvery
	}
	if b.heartbeatInterval <= 0 {
		b.heartbeatInterval = DefaultHeartbeatInterval
	}
	if b.prefix == "" {
		b.prefix = DefaultArtifactPrefix
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Build runs the job to a terminal state. It returns nil once the job is
// terminal, whether this call finalized it or it already was. Errors are
// returned only when the job could not be picked up at all.
func (b *Builder) Build(ctx context.Context, jobID string) error {
	log := b.logger.With(slog.String("job_id", jobID))

	job, err := b.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if job.Status.IsTerminal() {
		log.Info("Job already terminal, nothing to build",
			slog.String("status", job.Status.String()),
		)
		return nil
	}

	if b.signalRaised(ctx, jobID, log) {
		log.Info("Cancel signal raised before pickup, nothing to build")
		return nil
	}

	job, err = b.jobs.StartJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to start job: %w", err))
	}

	finish := b.metrics.BuildStarted()
	outcome := b.run(ctx, job, log)
	finish(outcome)

	log.Info("Archive build finished", slog.String("outcome", outcome))
	return nil
}

func (b *Builder) run(ctx context.Context, job *domain.Job, log *slog.Logger) string {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go b.heartbeat(hbCtx, job.ID, log)

	files, err := b.resolver.Resolve(ctx, selection.RequestForJob(job))
	if err != nil {
		return b.abort(ctx, &buildRun{job: job}, fmt.Errorf("failed to resolve selection: %w", err), log)
	}

	sources, total := b.statSources(files, log)
	if len(sources) == 0 {
		log.Info("Selection resolved to no archivable files",
			slog.Int("resolved", len(files)),
		)
		return b.abort(ctx, &buildRun{job: job}, domain.ErrNoFilesToInclude, log)
	}

	run := &buildRun{job: job, bytesTotal: total}
	if err := b.jobs.SetBytesTotal(ctx, job.ID, total); err != nil {
		return b.abort(ctx, run, err, log)
	}

	run.key = artifact.JobKey(b.prefix, job.ID)
	w, err := b.artifacts.Create(ctx, run.key)
	if err != nil {
		return b.abort(ctx, run, fmt.Errorf("failed to allocate archive: %w", err), log)
	}
	run.writer = w

	if err := b.jobs.SetArtifact(ctx, job.ID, run.key); err != nil {
		return b.abort(ctx, run, err, log)
	}

	log.Info("Writing archive",
		slog.String("artifact", run.key),
		slog.Int("files", len(sources)),
		slog.Int64("bytes_total", total),
	)

	if err := b.writeArchive(ctx, run, sources, log); err != nil {
		return b.abort(ctx, run, err, log)
	}

	return b.complete(ctx, run, log)
}

// complete commits the archive and finalizes the job unless another actor got there first
func (b *Builder) complete(ctx context.Context, run *buildRun, log *slog.Logger) string {
	if err := run.writer.Commit(); err != nil {
		return b.abort(ctx, run, fmt.Errorf("failed to commit archive: %w", err), log)
	}
	run.committed = true

	if err := b.checkCancelled(ctx, run, log); err != nil {
		return b.abort(ctx, run, err, log)
	}

	now := b.now()
	applied, err := b.jobs.CompleteJob(ctx, run.job.ID, run.bytesDone, now, now.Add(b.ttl))
	if err != nil {
		return b.abort(ctx, run, fmt.Errorf("failed to finalize job: %w", err), log)
	}
	if !applied {
		run.statusChanged = true
		return b.abort(ctx, run, errCancelled, log)
	}

	b.metrics.ArtifactCompleted(run.archiveBytes)
	log.Info("Archive ready",
		slog.String("artifact", run.key),
		slog.Int64("bytes_done", run.bytesDone),
		slog.Int64("archive_bytes", run.archiveBytes),
		slog.Time("expires_at", now.Add(b.ttl)),
	)
	return metrics.OutcomeDone
}

// abort discards any partial artifact and moves the job to the terminal state matching cause
func (b *Builder) abort(ctx context.Context, run *buildRun, cause error, log *slog.Logger) string {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	b.discardArtifact(cctx, run, log)

	now := b.now()
	expires := now.Add(b.ttl)
	id := run.job.ID

	var outcome string
	switch {
	case errors.Is(cause, errCancelled):
		outcome = metrics.OutcomeCancelled
		if !run.statusChanged {
			// signal seen while the record still says running
			if _, _, err := b.jobs.CancelJob(cctx, id, reasonSignalCancel, now, expires); err != nil {
				log.Error("Failed to record cancellation", slog.Any("error", err))
			}
		}
		log.Info("Archive build cancelled",
			slog.Int64("bytes_done", run.bytesDone),
			slog.Int64("bytes_total", run.bytesTotal),
		)

	case ctx.Err() != nil:
		outcome = metrics.OutcomeInterrupted
		if _, err := b.jobs.FailJob(cctx, id, reasonShutdown, now, expires); err != nil {
			log.Error("Failed to record interrupted build", slog.Any("error", err))
		}
		log.Warn("Archive build interrupted", slog.Any("error", cause))

	default:
		outcome = metrics.OutcomeFailed
		log.Error("Archive build failed", slog.Any("error", cause))
		if _, err := b.jobs.FailJob(cctx, id, domain.FailureReason(cause), now, expires); err != nil {
			log.Error("Failed to record build failure", slog.Any("error", err))
		}
	}

	if run.key != "" {
		if err := b.jobs.ClearArtifact(cctx, id); err != nil {
			log.Error("Failed to clear artifact location", slog.Any("error", err))
		}
	}

	return outcome
}

func (b *Builder) discardArtifact(ctx context.Context, run *buildRun, log *slog.Logger) {
	if run.writer == nil {
		return
	}
	var err error
	if run.committed {
		err = b.artifacts.Delete(ctx, run.key)
	} else {
		err = run.writer.Abort()
	}
	if err != nil {
		log.Error("Failed to discard partial archive",
			slog.String("artifact", run.key),
			slog.Any("error", err),
		)
	}
}

// checkpoint aborts on cancellation and publishes progress otherwise
func (b *Builder) checkpoint(ctx context.Context, run *buildRun, log *slog.Logger) error {
	if err := b.checkCancelled(ctx, run, log); err != nil {
		return err
	}

	progress := domain.ComputeProgress(run.bytesDone, run.bytesTotal)
	if err := b.jobs.UpdateProgress(ctx, run.job.ID, run.bytesDone, progress); err != nil {
		log.Warn("Failed to update progress", slog.Any("error", err))
	}
	return nil
}

var errCancelled = errors.New("build cancelled")

// checkCancelled consults the signal store and the job record
func (b *Builder) checkCancelled(ctx context.Context, run *buildRun, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	status, err := b.jobs.GetStatus(ctx, run.job.ID)
	switch {
	case err != nil:
		log.Warn("Failed to read job status", slog.Any("error", err))
	case status != domain.JobStatusRunning:
		run.statusChanged = true
		log.Info("Job left running state during build", slog.String("status", status.String()))
		return errCancelled
	}

	if b.signalRaised(ctx, run.job.ID, log) {
		return errCancelled
	}
	return nil
}

func (b *Builder) signalRaised(ctx context.Context, jobID string, log *slog.Logger) bool {
	if b.signals == nil {
		return false
	}
	raised, err := b.signals.IsRaised(ctx, jobID)
	if err != nil {
		log.Debug("Cancel signal store unavailable", slog.Any("error", err))
		return false
	}
	return raised
}

// heartbeat keeps updated_at fresh so the stale job reaper leaves live builds alone
func (b *Builder) heartbeat(ctx context.Context, jobID string, log *slog.Logger) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.jobs.TouchJob(ctx, jobID); err != nil && ctx.Err() == nil {
				log.Warn("Failed to update job heartbeat", slog.Any("error", err))
			}
		}
	}
}

func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
