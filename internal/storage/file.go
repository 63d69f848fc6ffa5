package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/op3/ucesb-sub002/internal/encoder"
	"github.com/op3/ucesb-sub002/internal/errors"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
	"github.com/op3/ucesb-sub002/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*FileWriter)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	BasePath string
}

// FileWriter implements storage.Writer for local filesystem storage.
// Files are written to a temporary name and renamed into place, so readers
// never see a partial snapshot.
type FileWriter struct {
	basePath       string
	encoderFactory *encoder.Factory
	logger         *slog.Logger
	metrics        MetricsCollector
	now            func() time.Time
	mu             sync.Mutex
	closed         bool
}

// NewFileWriter creates a new filesystem storage writer.
func NewFileWriter(
	config FileConfig,
	format pkgencoder.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*FileWriter, error) {
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	encoderFactory := encoder.NewFactory(format, compression)
	if _, err := encoderFactory.CreateEncoder(); err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	logger.Info("filesystem writer created",
		"base_path", config.BasePath,
		"format", format,
		"compression", compression,
	)

	return &FileWriter{
		basePath:       config.BasePath,
		encoderFactory: encoderFactory,
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
	}, nil
}

// Write writes rows to a new file below dir.
func (w *FileWriter) Write(ctx context.Context, rows []pkgencoder.Row, dir string) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", 0, errors.ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	start := time.Now()
	format := w.encoderFactory.Format()
	file, err := encodeRows(w.encoderFactory, rows, dir, w.now())
	if err != nil {
		recordError(w.metrics, "file", "encode", format)
		return "", 0, err
	}

	fullPath := filepath.Join(w.basePath, filepath.FromSlash(file.name))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		recordError(w.metrics, "file", "mkdir", format)
		return "", 0, &errors.StorageError{Operation: "create", Path: fullPath, Err: err}
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, file.data, 0o644); err != nil {
		recordError(w.metrics, "file", "write", format)
		return "", 0, &errors.StorageError{Operation: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		recordError(w.metrics, "file", "rename", format)
		return "", 0, &errors.StorageError{Operation: "rename", Path: fullPath, Err: err}
	}

	w.logger.Info("wrote snapshot to file",
		"path", fullPath,
		"row_count", len(rows),
		"file_size", len(file.data),
		"format", format,
		"total_duration_ms", time.Since(start).Milliseconds(),
	)
	recordSuccess(w.metrics, "file", format, len(file.data), start)
	return fullPath, int64(len(file.data)), nil
}

// Close closes the writer.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.logger.Info("closing filesystem writer")
	return nil
}
