// Package artifact stores the archives produced for download jobs.
package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/domain"
)

// Info describes a stored artifact.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Writer receives archive bytes. Exactly one of Commit or Abort must be called.
type Writer interface {
	io.Writer
	// Commit makes the written bytes durable under the key.
	Commit() error
	// Abort discards everything written so far.
	Abort() error
}

// Store allocates, serves and reclaims artifacts by key.
type Store interface {
	// Create allocates the key immediately so that it is discoverable before
	// any archive data is written.
	Create(ctx context.Context, key string) (Writer, error)
	Open(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Stat(ctx context.Context, key string) (Info, error)
	// Delete removes the artifact. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// JobKey returns the artifact key of a job under prefix.
func JobKey(prefix, jobID string) string {
	name := jobID + ".zip"
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// cleanKey normalises a key and rejects keys that escape the store root.
func cleanKey(key string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if key == "" || clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return clean, nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, key)
}
