package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/op3/ucesb-sub002/internal/encoder"
	"github.com/op3/ucesb-sub002/internal/errors"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
	pkgstorage "github.com/op3/ucesb-sub002/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ pkgstorage.Writer = (*GCSWriter)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
	Endpoint        string
}

// gcsBucket opens object writers in one bucket.
type gcsBucket interface {
	NewWriter(ctx context.Context, object, contentType string) io.WriteCloser
}

type bucketHandle struct {
	h *storage.BucketHandle
}

func (b bucketHandle) NewWriter(ctx context.Context, object, contentType string) io.WriteCloser {
	w := b.h.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

// GCSWriter implements storage.Writer for Google Cloud Storage. Without a
// credentials file it uses application default credentials.
type GCSWriter struct {
	client         *storage.Client
	bucket         gcsBucket
	bucketName     string
	encoderFactory *encoder.Factory
	logger         *slog.Logger
	metrics        MetricsCollector
	now            func() time.Time
	mu             sync.Mutex
}

// NewGCSWriter creates a new Google Cloud Storage writer.
func NewGCSWriter(
	cfg GCSConfig,
	format pkgencoder.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*GCSWriter, error) {
	var clientOpts []option.ClientOption
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info("using GCP credentials from file", "file", cfg.CredentialsFile)
	} else {
		logger.Info("no explicit credentials provided, using default GCP credentials")
	}

	client, err := storage.NewClient(context.Background(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	w, err := newGCSWriter(bucketHandle{h: client.Bucket(cfg.Bucket)}, cfg.Bucket,
		encoder.NewFactory(format, compression), logger, metrics)
	if err != nil {
		client.Close()
		return nil, err
	}
	w.client = client

	logger.Info("GCS writer created",
		"bucket", cfg.Bucket,
		"project_id", cfg.ProjectID,
		"format", format,
		"compression", compression,
	)
	return w, nil
}

func newGCSWriter(bucket gcsBucket, name string, factory *encoder.Factory, logger *slog.Logger, metrics MetricsCollector) (*GCSWriter, error) {
	if _, err := factory.CreateEncoder(); err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &GCSWriter{
		bucket:         bucket,
		bucketName:     name,
		encoderFactory: factory,
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
	}, nil
}

// Write uploads rows as one object below dir.
func (w *GCSWriter) Write(ctx context.Context, rows []pkgencoder.Row, dir string) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	format := w.encoderFactory.Format()
	file, err := encodeRows(w.encoderFactory, rows, dir, w.now())
	if err != nil {
		recordError(w.metrics, "gcs", "encode", format)
		return "", 0, err
	}

	// The object only becomes visible when the writer is closed.
	gw := w.bucket.NewWriter(ctx, file.name, contentType(format))
	if _, err := gw.Write(file.data); err != nil {
		gw.Close()
		recordError(w.metrics, "gcs", "upload", format)
		return "", 0, &errors.StorageError{Operation: "upload", Path: "gs://" + w.bucketName + "/" + file.name, Err: err}
	}
	if err := gw.Close(); err != nil {
		recordError(w.metrics, "gcs", "close", format)
		return "", 0, &errors.StorageError{Operation: "upload", Path: "gs://" + w.bucketName + "/" + file.name, Err: err}
	}

	w.logger.Info("wrote snapshot to GCS",
		"bucket", w.bucketName,
		"object", file.name,
		"row_count", len(rows),
		"file_size", len(file.data),
		"format", format,
		"total_duration_ms", time.Since(start).Milliseconds(),
	)
	recordSuccess(w.metrics, "gcs", format, len(file.data), start)
	return file.name, int64(len(file.data)), nil
}

// Close closes the GCS writer.
func (w *GCSWriter) Close() error {
	w.logger.Info("closing GCS writer")
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}
