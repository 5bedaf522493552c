package builder

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cuongbtq/ostdata-archive/internal/artifact"
	"github.com/cuongbtq/ostdata-archive/internal/domain"
	"github.com/cuongbtq/ostdata-archive/internal/selection"
)

// buildRun tracks the state of one in-flight build
type buildRun struct {
	job           *domain.Job
	key           string
	writer        artifact.Writer
	committed     bool
	statusChanged bool
	bytesTotal    int64
	bytesDone     int64
	archiveBytes  int64
	chunks        int
}

type source struct {
	selection.SourceFile
	info os.FileInfo
}

// statSources drops files that are missing or not regular and sums the rest
func (b *Builder) statSources(files []selection.SourceFile, log *slog.Logger) ([]source, int64) {
	var (
		sources []source
		total   int64
	)
	for _, f := range files {
		info, err := os.Stat(f.Path)
		if err != nil {
			log.Warn("Skipping missing file",
				slog.Int64("file_id", f.ID),
				slog.String("path", f.Path),
				slog.Any("error", err),
			)
			b.metrics.FileSkipped("missing")
			continue
		}
		if !info.Mode().IsRegular() {
			log.Warn("Skipping non-regular file",
				slog.Int64("file_id", f.ID),
				slog.String("path", f.Path),
			)
			b.metrics.FileSkipped("not_regular")
			continue
		}
		sources = append(sources, source{SourceFile: f, info: info})
		total += info.Size()
	}
	return sources, total
}

// EntryName is the archive member name for a catalog file
func EntryName(f selection.SourceFile) string {
	return fmt.Sprintf("%d_%s", f.ID, filepath.Base(f.Path))
}

func (b *Builder) writeArchive(ctx context.Context, run *buildRun, sources []source, log *slog.Logger) error {
	cw := &countingWriter{w: run.writer}
	zw := zip.NewWriter(cw)
	buf := make([]byte, b.chunkSize)

	for _, src := range sources {
		f, err := os.Open(src.Path)
		if err != nil {
			log.Warn("Skipping unreadable file",
				slog.Int64("file_id", src.ID),
				slog.String("path", src.Path),
				slog.Any("error", err),
			)
			b.metrics.FileSkipped("unreadable")
			continue
		}

		err = b.copyEntry(ctx, zw, f, src, buf, run, log)
		f.Close()
		if err != nil {
			return err
		}

		if err := b.checkpoint(ctx, run, log); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	run.archiveBytes = cw.n
	return nil
}

// copyEntry streams one file into the archive, reading at most the size seen at stat time
func (b *Builder) copyEntry(ctx context.Context, zw *zip.Writer, f *os.File, src source, buf []byte, run *buildRun, log *slog.Logger) error {
	hdr, err := zip.FileInfoHeader(src.info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", src.Path, err)
	}
	hdr.Name = EntryName(src.SourceFile)
	hdr.Method = zip.Deflate

	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", hdr.Name, err)
	}

	r := io.LimitReader(f, src.info.Size())
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := ew.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write %s to archive: %w", hdr.Name, err)
			}
			run.bytesDone += int64(n)
			b.metrics.BytesArchived(int64(n))
			run.chunks++
			if run.chunks%b.checkEvery == 0 {
				if err := b.checkpoint(ctx, run, log); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("failed to read %s: %w", src.Path, rerr)
		}
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
