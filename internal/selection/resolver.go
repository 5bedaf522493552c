// Package selection turns a job's scope, explicit ids and filter into the
// concrete list of catalog files to archive.
package selection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/shared/database"
	"github.com/jmoiron/sqlx"
)

// SourceFile is a catalog data file selected for an archive.
type SourceFile struct {
	ID    int64  `db:"id"`
	RunID *int64 `db:"run_id"`
	Path  string `db:"path"`
}

// Request is everything the resolver needs to evaluate a selection.
type Request struct {
	RunID *int64
	// SelectedIDs restricts the candidates when non-empty.
	SelectedIDs []int64
	Filter      domain.Filter
	// Anonymous restricts the result to files of public runs.
	Anonymous bool
}

// RequestForJob builds the resolver request for a stored job.
func RequestForJob(job *domain.Job) Request {
	return Request{
		RunID:       job.RunID,
		SelectedIDs: job.SelectedIDs,
		Filter:      job.Filters,
		Anonymous:   job.IsAnonymous(),
	}
}

// Resolver reads the catalog. It never writes to it.
type Resolver struct {
	db *sqlx.DB
	qb squirrel.StatementBuilderType
}

// NewResolver creates a catalog resolver on the given connection
func NewResolver(client *database.Client) *Resolver {
	return &Resolver{
		db: client.GetDB(),
		qb: client.StatementBuilder(),
	}
}

// Resolve returns the matching files ordered by id. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]SourceFile, error) {
	q := r.qb.Select("f.id", "f.run_id", "f.path").
		From("data_files f").
		LeftJoin("observation_runs r ON r.id = f.run_id")

	if req.RunID != nil {
		q = q.Where(squirrel.Eq{"f.run_id": *req.RunID})
	}
	if len(req.SelectedIDs) > 0 {
		q = q.Where(squirrel.Eq{"f.id": req.SelectedIDs})
	}
	if req.Anonymous {
		q = q.Where(squirrel.Eq{"r.is_public": true})
	}
	if !req.Filter.IsZero() {
		q = applyFilter(q, req.Filter)
	}

	query, args, err := q.OrderBy("f.id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var files []SourceFile
	if err := r.db.SelectContext(ctx, &files, query, args...); err != nil {
		return nil, fmt.Errorf("failed to resolve selection: %w", err)
	}

	return files, nil
}

// RunVisible reports whether the run exists and, for anonymous callers, is public.
func (r *Resolver) RunVisible(ctx context.Context, runID int64, anonymous bool) (bool, error) {
	q := r.qb.Select("1").From("observation_runs").Where(squirrel.Eq{"id": runID})
	if anonymous {
		q = q.Where(squirrel.Eq{"is_public": true})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var one int
	if err := r.db.GetContext(ctx, &one, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check run visibility: %w", err)
	}
	return true, nil
}

func applyFilter(q squirrel.SelectBuilder, f domain.Filter) squirrel.SelectBuilder {
	if f.FileType != "" {
		q = q.Where(contains("f.file_type", f.FileType))
	}
	if f.FileName != "" {
		q = q.Where(contains("f.path", f.FileName))
	}
	if f.Target != "" {
		q = q.Where(squirrel.Or{
			contains("f.main_target", f.Target),
			contains("f.header_target_name", f.Target),
		})
	}
	if len(f.ExposureTypes) > 0 {
		q = q.Where(squirrel.Eq{"f.exposure_type": f.ExposureTypes})
	}
	if f.ExptimeMin != nil {
		q = q.Where(squirrel.GtOrEq{"f.exptime": *f.ExptimeMin})
	}
	if f.ExptimeMax != nil {
		q = q.Where(squirrel.LtOrEq{"f.exptime": *f.ExptimeMax})
	}
	if f.Instrument != "" {
		q = q.Where(contains("f.instrument", f.Instrument))
	}
	if f.Spectroscopy != nil {
		q = q.Where(squirrel.Eq{"f.spectroscopy": *f.Spectroscopy})
	}
	return q
}

// contains is a case-insensitive substring match with LIKE wildcards escaped.
func contains(column, value string) squirrel.Sqlizer {
	return squirrel.Expr(
		fmt.Sprintf("LOWER(%s) LIKE ? ESCAPE '\\'", column),
		"%"+escapeLike(strings.ToLower(value))+"%",
	)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(v string) string {
	return likeEscaper.Replace(v)
}
