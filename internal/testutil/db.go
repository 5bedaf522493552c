// Package testutil provides sqlite-backed fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/ostdata-archive/internal/migrations"
	"github.com/cuongbtq/ostdata-archive/shared/database"
	"github.com/stretchr/testify/require"
)

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewDB opens a migrated sqlite database in a temp directory.
func NewDB(t testing.TB) *database.Client {
	t.Helper()

	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "archive.db"),
	}, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, migrations.Migrate(ctx, client.GetDB()))
	require.NoError(t, migrations.MigrateCatalog(ctx, client.GetDB()))

	return client
}

// File describes a catalog data file fixture.
type File struct {
	ID           int64
	RunID        int64 // 0 leaves the file without a run
	Name         string
	Size         int
	FileType     string
	ExposureType string
	Instrument   string
	Target       string
	HeaderTarget string
	Exptime      *float64
	Spectroscopy bool
	// Missing records the file in the catalog without creating it on disk.
	Missing bool
}

// Catalog seeds observation runs and data files.
type Catalog struct {
	t      testing.TB
	client *database.Client
	Dir    string
}

// NewCatalog returns a catalog whose files live under a fresh temp directory.
func NewCatalog(t testing.TB, client *database.Client) *Catalog {
	return &Catalog{t: t, client: client, Dir: t.TempDir()}
}

// AddRun inserts an observation run.
func (c *Catalog) AddRun(id int64, public bool) {
	c.t.Helper()
	_, err := c.client.GetDB().Exec(
		"INSERT INTO observation_runs (id, name, is_public) VALUES (?, ?, ?)",
		id, fmt.Sprintf("run-%d", id), public,
	)
	require.NoError(c.t, err)
}

// AddFile writes the file to disk (unless Missing) and inserts its catalog row.
// It returns the on-disk path.
func (c *Catalog) AddFile(f File) string {
	c.t.Helper()

	name := f.Name
	if name == "" {
		name = fmt.Sprintf("file-%d.fits", f.ID)
	}
	dir := filepath.Join(c.Dir, fmt.Sprintf("run-%d", f.RunID))
	require.NoError(c.t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)

	if !f.Missing {
		data := make([]byte, f.Size)
		for i := range data {
			data[i] = byte(i % 251)
		}
		require.NoError(c.t, os.WriteFile(path, data, 0o644))
	}

	exposure := f.ExposureType
	if exposure == "" {
		exposure = "UK"
	}

	var runID, exptime any
	if f.RunID != 0 {
		runID = f.RunID
	}
	if f.Exptime != nil {
		exptime = *f.Exptime
	}

	_, err := c.client.GetDB().Exec(
		`INSERT INTO data_files (id, run_id, path, file_type, exposure_type, instrument, exptime,
			main_target, header_target_name, spectroscopy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, runID, path, f.FileType, exposure, f.Instrument, exptime,
		f.Target, f.HeaderTarget, f.Spectroscopy,
	)
	require.NoError(c.t, err)

	return path
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
