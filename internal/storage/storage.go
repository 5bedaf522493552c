package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/shared/database"
	"github.com/jmoiron/sqlx"
)

const jobsTable = "download_jobs"

var jobColumns = []string{
	"id", "owner_id", "run_id", "selected_ids", "filters", "status",
	"progress", "bytes_total", "bytes_done", "file_path", "error",
	"created_at", "started_at", "finished_at", "expires_at", "updated_at",
}

// Storage is the job record store shared by the API, the builder and the sweeper
type Storage struct {
	db     *sqlx.DB
	qb     squirrel.StatementBuilderType
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(client *database.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     client.GetDB(),
		qb:     client.StatementBuilder(),
		logger: logger,
		now:    Now,
	}
}

// WithClock replaces the clock used for record timestamps
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.now = now
	return s
}

// Now returns the current time at the precision the store persists.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// JobFilter narrows ListJobs results
type JobFilter struct {
	OwnerID  string
	RunID    *int64
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last row of a page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func nullString(v *string) sql.NullString {
	if v == nil || *v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *Storage) selectJobs() squirrel.SelectBuilder {
	return s.qb.Select(jobColumns...).From(jobsTable)
}

func returningJob() string {
	return "RETURNING " + strings.Join(jobColumns, ", ")
}

// sourceStatuses lists the statuses allowed to move into to
func sourceStatuses(to domain.JobStatus) []string {
	return domain.StatusStrings(domain.SourcesOf(to)...)
}

// appendError concatenates cause onto the existing error column, bounded in length
func appendError(cause string) squirrel.Sqlizer {
	return squirrel.Expr(
		"SUBSTR(CASE WHEN error = '' THEN CAST(? AS TEXT) ELSE error || '; ' || CAST(? AS TEXT) END, 1, ?)",
		cause, cause, domain.MaxErrorLength,
	)
}

// CreateJob inserts a new queued job
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	if job.Status != domain.JobStatusQueued {
		return fmt.Errorf("new jobs must be %s, got %s", domain.JobStatusQueued, job.Status)
	}

	query, args, err := s.qb.Insert(jobsTable).
		Columns("id", "owner_id", "run_id", "selected_ids", "filters", "status", "created_at", "updated_at").
		Values(job.ID, nullString(job.OwnerID), nullInt64(job.RunID), job.SelectedIDs, job.Filters, string(job.Status), job.CreatedAt, job.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.Bool("anonymous", job.IsAnonymous()),
	)

	return nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query, args, err := s.selectJobs().Where(squirrel.Eq{"id": jobID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetStatus reads only the status column of a job
func (s *Storage) GetStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	query, args, err := s.qb.Select("status").From(jobsTable).Where(squirrel.Eq{"id": jobID}).ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}

	var status string
	if err := s.db.GetContext(ctx, &status, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}

	return domain.JobStatus(status), nil
}

// ListJobs returns up to PageSize+1 jobs, newest first
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	q := s.selectJobs()

	if filter.OwnerID != "" {
		q = q.Where(squirrel.Eq{"owner_id": filter.OwnerID})
	}
	if filter.RunID != nil {
		q = q.Where(squirrel.Eq{"run_id": *filter.RunID})
	}
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.Cursor != nil {
		q = q.Where(squirrel.Expr("(created_at, id) < (?, ?)", filter.Cursor.CreatedAt.UTC(), filter.Cursor.JobID))
	}

	// Fetch one extra to determine if there are more results
	q = q.OrderBy("created_at DESC", "id DESC").Limit(uint64(filter.PageSize + 1))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// StartJob moves a queued job to running using optimistic locking
func (s *Storage) StartJob(ctx context.Context, jobID string) (*domain.Job, error) {
	now := s.now()
	query, args, err := s.qb.Update(jobsTable).
		Set("status", string(domain.JobStatusRunning)).
		Set("started_at", now).
		Set("progress", 0).
		Set("bytes_done", 0).
		Set("bytes_total", 0).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": jobID, "status": sourceStatuses(domain.JobStatusRunning)}).
		Suffix(returningJob()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var job domain.Job
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to start job - not queued or not found",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to start job: %w", err)
	}

	s.logger.Info("Job started", slog.String("job_id", jobID))

	return &job, nil
}

// SetBytesTotal records the summed size of the files that will be archived
func (s *Storage) SetBytesTotal(ctx context.Context, jobID string, total int64) error {
	return s.updateRunning(ctx, "set bytes total", jobID, map[string]any{
		"bytes_total": total,
	})
}

// SetArtifact records the artifact location of a running job
func (s *Storage) SetArtifact(ctx context.Context, jobID, path string) error {
	return s.updateRunning(ctx, "set artifact", jobID, map[string]any{
		"file_path": path,
	})
}

// UpdateProgress advances the byte counters of a running job; counters never move backwards
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, bytesDone int64, progress int) error {
	query, args, err := s.qb.Update(jobsTable).
		Set("bytes_done", bytesDone).
		Set("progress", progress).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"id": jobID, "status": string(domain.JobStatusRunning)}).
		Where(squirrel.LtOrEq{"bytes_done": bytesDone}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// TouchJob refreshes updated_at for a running job so it is not considered stale
func (s *Storage) TouchJob(ctx context.Context, jobID string) error {
	return s.updateRunning(ctx, "touch job", jobID, map[string]any{})
}

func (s *Storage) updateRunning(ctx context.Context, op, jobID string, fields map[string]any) error {
	fields["updated_at"] = s.now()
	query, args, err := s.qb.Update(jobsTable).
		SetMap(fields).
		Where(squirrel.Eq{"id": jobID, "status": string(domain.JobStatusRunning)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		s.logger.Debug("Running job update skipped - job not running",
			slog.String("job_id", jobID),
			slog.String("op", op),
		)
	}
	return nil
}

// CompleteJob moves a running job to done. It returns false when the job had
// already left the running state, in which case nothing is written.
func (s *Storage) CompleteJob(ctx context.Context, jobID string, bytesDone int64, finishedAt, expiresAt time.Time) (bool, error) {
	query, args, err := s.qb.Update(jobsTable).
		Set("status", string(domain.JobStatusDone)).
		Set("progress", 100).
		Set("bytes_done", bytesDone).
		Set("finished_at", finishedAt).
		Set("expires_at", expiresAt).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"id": jobID, "status": sourceStatuses(domain.JobStatusDone)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	return s.execTransition(ctx, "complete job", jobID, query, args)
}

// FailJob moves a running job to failed, appending reason to its error.
// Any other job is left untouched and false is returned.
func (s *Storage) FailJob(ctx context.Context, jobID, reason string, finishedAt, expiresAt time.Time) (bool, error) {
	query, args, err := s.qb.Update(jobsTable).
		Set("status", string(domain.JobStatusFailed)).
		Set("error", appendError(reason)).
		Set("finished_at", finishedAt).
		Set("expires_at", expiresAt).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"id": jobID, "status": sourceStatuses(domain.JobStatusFailed)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	return s.execTransition(ctx, "fail job", jobID, query, args)
}

func (s *Storage) execTransition(ctx context.Context, op, jobID, query string, args []any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Info("Job transition skipped - status precondition not met",
			slog.String("job_id", jobID),
			slog.String("op", op),
		)
		return false, nil
	}
	return true, nil
}

// CancelJob moves a queued or running job to cancelled. Terminal jobs are
// returned unchanged with cancelled=false.
func (s *Storage) CancelJob(ctx context.Context, jobID, reason string, finishedAt, expiresAt time.Time) (job *domain.Job, cancelled bool, err error) {
	query, args, err := s.qb.Update(jobsTable).
		Set("status", string(domain.JobStatusCancelled)).
		Set("error", appendError(reason)).
		Set("finished_at", finishedAt).
		Set("expires_at", expiresAt).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"id": jobID, "status": sourceStatuses(domain.JobStatusCancelled)}).
		Suffix(returningJob()).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build query: %w", err)
	}

	var updated domain.Job
	err = s.db.QueryRowxContext(ctx, query, args...).StructScan(&updated)
	if err == nil {
		s.logger.Info("Job cancelled",
			slog.String("job_id", jobID),
			slog.String("reason", reason),
		)
		return &updated, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to cancel job: %w", err)
	}

	current, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ClearArtifact empties the artifact location and stamps finished_at if unset
func (s *Storage) ClearArtifact(ctx context.Context, jobID string) error {
	now := s.now()
	query, args, err := s.qb.Update(jobsTable).
		Set("file_path", "").
		Set("finished_at", squirrel.Expr("COALESCE(finished_at, ?)", now)).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear artifact: %w", err)
	}
	return nil
}

// ExtendExpiry pushes expires_at of finished jobs forward by d, counting from
// now when no expiry was set. It returns the number of jobs updated.
func (s *Storage) ExtendExpiry(ctx context.Context, jobIDs []string, d time.Duration) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.qb.Select("id", "expires_at").From(jobsTable).
		Where(squirrel.Eq{"id": jobIDs, "status": domain.StatusStrings(domain.FinishedStatuses...)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var rows []struct {
		ID        string     `db:"id"`
		ExpiresAt *time.Time `db:"expires_at"`
	}
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return 0, fmt.Errorf("failed to load job expiries: %w", err)
	}

	now := s.now()
	var updated int64
	for _, row := range rows {
		base := now
		if row.ExpiresAt != nil {
			base = row.ExpiresAt.UTC()
		}

		query, args, err := s.qb.Update(jobsTable).
			Set("expires_at", base.Add(d)).
			Set("updated_at", now).
			Where(squirrel.Eq{"id": row.ID, "status": domain.StatusStrings(domain.FinishedStatuses...)}).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("build query: %w", err)
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to extend job expiry: %w", err)
		}
		n, _ := result.RowsAffected()
		updated += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry extension: %w", err)
	}

	s.logger.Info("Job expiries extended",
		slog.Int64("updated", updated),
		slog.Duration("by", d),
	)

	return updated, nil
}

// ExpireAt sets expires_at on finished jobs and returns the ids that were updated
func (s *Storage) ExpireAt(ctx context.Context, jobIDs []string, at time.Time) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	query, args, err := s.qb.Update(jobsTable).
		Set("expires_at", at).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"id": jobIDs, "status": domain.StatusStrings(domain.FinishedStatuses...)}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to set job expiry: %w", err)
	}
	return ids, nil
}

// ListExpired returns jobs whose expiry has passed and that still hold an
// artifact or have not been marked expired yet
func (s *Storage) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	q := s.selectJobs().
		Where(squirrel.Lt{"expires_at": now}).
		Where(squirrel.NotEq{"status": domain.StatusStrings(domain.ActiveStatuses...)}).
		Where(squirrel.Or{
			squirrel.NotEq{"status": string(domain.JobStatusExpired)},
			squirrel.NotEq{"file_path": ""},
		}).
		OrderBy("expires_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return s.selectJobList(ctx, q, "list expired jobs")
}

// ListJobsByIDs loads the given jobs in id order
func (s *Storage) ListJobsByIDs(ctx context.Context, jobIDs []string) ([]domain.Job, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	return s.selectJobList(ctx, s.selectJobs().Where(squirrel.Eq{"id": jobIDs}).OrderBy("id"), "list jobs by id")
}

// ListStaleRunning returns running jobs whose record has not been touched since cutoff
func (s *Storage) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	q := s.selectJobs().
		Where(squirrel.Eq{"status": string(domain.JobStatusRunning)}).
		Where(squirrel.Lt{"updated_at": cutoff}).
		OrderBy("updated_at ASC")

	return s.selectJobList(ctx, q, "list stale jobs")
}

func (s *Storage) selectJobList(ctx context.Context, q squirrel.SelectBuilder, op string) ([]domain.Job, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return jobs, nil
}

// MarkExpired moves a finished job whose expiry is at or before now to expired.
// The artifact location is kept; the caller deletes the artifact and then
// clears it, so a failed delete is picked up again by ListExpired.
func (s *Storage) MarkExpired(ctx context.Context, jobID string, now time.Time) (bool, error) {
	query, args, err := s.qb.Update(jobsTable).
		Set("status", string(domain.JobStatusExpired)).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"id": jobID, "status": sourceStatuses(domain.JobStatusExpired)}).
		Where(squirrel.LtOrEq{"expires_at": now}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	return s.execTransition(ctx, "mark job expired", jobID, query, args)
}
