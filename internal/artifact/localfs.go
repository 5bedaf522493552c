package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalFS stores artifacts as files under Root
type LocalFS struct {
	Root string
}

// NewLocalFS creates the root directory if needed
func NewLocalFS(root string) (*LocalFS, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &LocalFS{Root: root}, nil
}

func (l *LocalFS) abs(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root, filepath.FromSlash(clean)), nil
}

// Create creates an empty file for key, truncating any leftover from an earlier attempt
func (l *LocalFS) Create(_ context.Context, key string) (Writer, error) {
	abs, err := l.abs(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	return &localWriter{f: f}, nil
}

// Open opens the artifact for reading
func (l *LocalFS) Open(_ context.Context, key string) (io.ReadCloser, Info, error) {
	abs, err := l.abs(key)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Info{}, notFound(key)
		}
		return nil, Info{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, Info{Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Stat returns the artifact size
func (l *LocalFS) Stat(_ context.Context, key string) (Info, error) {
	abs, err := l.abs(key)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, notFound(key)
		}
		return Info{}, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return Info{Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Delete removes the artifact file
func (l *LocalFS) Delete(_ context.Context, key string) error {
	abs, err := l.abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

type localWriter struct {
	f *os.File
}

func (w *localWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWriter) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	return nil
}

func (w *localWriter) Abort() error {
	name := w.f.Name()
	w.f.Close()
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove partial artifact: %w", err)
	}
	return nil
}
