package migrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/ostdata-archive/shared/database"
	"github.com/jmoiron/sqlx"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NULL,
	run_id       BIGINT NULL,
	selected_ids TEXT NOT NULL DEFAULT '[]',
	filters      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	bytes_total  BIGINT NOT NULL DEFAULT 0,
	bytes_done   BIGINT NOT NULL DEFAULT 0,
	file_path    TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   {{ts}} NOT NULL,
	started_at   {{ts}} NULL,
	finished_at  {{ts}} NULL,
	expires_at   {{ts}} NULL,
	updated_at   {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_jobs_status_expires ON download_jobs (status, expires_at);
CREATE INDEX IF NOT EXISTS idx_download_jobs_owner_created ON download_jobs (owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_download_jobs_run ON download_jobs (run_id);
`

// catalogSchema mirrors the catalog tables owned by the archive application.
// It is only applied for embedded deployments and tests.
const catalogSchema = `
CREATE TABLE IF NOT EXISTS observation_runs (
	id        BIGINT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	is_public BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS data_files (
	id                 BIGINT PRIMARY KEY,
	run_id             BIGINT NULL REFERENCES observation_runs (id),
	path               TEXT NOT NULL,
	file_type          TEXT NOT NULL DEFAULT '',
	exposure_type      TEXT NOT NULL DEFAULT 'UK',
	instrument         TEXT NOT NULL DEFAULT '',
	exptime            DOUBLE PRECISION NULL,
	main_target        TEXT NOT NULL DEFAULT '',
	header_target_name TEXT NOT NULL DEFAULT '',
	spectroscopy       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_data_files_run ON data_files (run_id);
`

// Migrate creates the download job table and indexes.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	return execStatements(ctx, db, renderSchema(jobsSchema, db.DriverName()))
}

// MigrateCatalog creates the catalog tables read by the selection resolver.
func MigrateCatalog(ctx context.Context, db *sqlx.DB) error {
	return execStatements(ctx, db, catalogSchema)
}

func renderSchema(schema, driver string) string {
	ts := "TIMESTAMP"
	if driver == database.DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.ReplaceAll(schema, "{{ts}}", ts)
}

func execStatements(ctx context.Context, db *sqlx.DB, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
