package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/op3/ucesb-sub002/internal/encoder"
	"github.com/op3/ucesb-sub002/internal/errors"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
	"github.com/op3/ucesb-sub002/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*S3Writer)(nil)

// S3Config contains AWS S3 configuration.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	SSEEnabled   bool
	SSEKMSKeyID  string
}

// s3Uploader is the part of manager.Uploader the writer uses.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Writer implements storage.Writer for AWS S3 storage with multipart
// upload and optional server-side encryption.
type S3Writer struct {
	uploader       s3Uploader
	bucket         string
	sseEnabled     bool
	sseKMSKeyID    string
	encoderFactory *encoder.Factory
	logger         *slog.Logger
	metrics        MetricsCollector
	now            func() time.Time
	mu             sync.Mutex
}

// NewS3Writer creates a new S3 storage writer.
func NewS3Writer(
	cfg S3Config,
	format pkgencoder.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*S3Writer, error) {
	awsConfig, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := manager.NewUploader(s3Client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 5
	})

	w, err := newS3Writer(uploader, cfg, encoder.NewFactory(format, compression), logger, metrics)
	if err != nil {
		return nil, err
	}

	logger.Info("S3 writer created",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"format", format,
		"compression", compression,
		"sse_enabled", cfg.SSEEnabled,
	)
	return w, nil
}

func newS3Writer(uploader s3Uploader, cfg S3Config, factory *encoder.Factory, logger *slog.Logger, metrics MetricsCollector) (*S3Writer, error) {
	if _, err := factory.CreateEncoder(); err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &S3Writer{
		uploader:       uploader,
		bucket:         cfg.Bucket,
		sseEnabled:     cfg.SSEEnabled,
		sseKMSKeyID:    cfg.SSEKMSKeyID,
		encoderFactory: factory,
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
	}, nil
}

// Write uploads rows as one object below dir.
func (w *S3Writer) Write(ctx context.Context, rows []pkgencoder.Row, dir string) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	format := w.encoderFactory.Format()
	file, err := encodeRows(w.encoderFactory, rows, dir, w.now())
	if err != nil {
		recordError(w.metrics, "s3", "encode", format)
		return "", 0, err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(file.name),
		Body:        bytes.NewReader(file.data),
		ContentType: aws.String(contentType(format)),
	}
	if w.sseEnabled {
		if w.sseKMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(w.sseKMSKeyID)
		} else {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}

	result, err := w.uploader.Upload(ctx, input)
	if err != nil {
		recordError(w.metrics, "s3", "upload", format)
		return "", 0, &errors.StorageError{Operation: "upload", Path: "s3://" + w.bucket + "/" + file.name, Err: err}
	}

	w.logger.Info("wrote snapshot to S3",
		"bucket", w.bucket,
		"key", file.name,
		"row_count", len(rows),
		"file_size", len(file.data),
		"format", format,
		"location", result.Location,
		"total_duration_ms", time.Since(start).Milliseconds(),
	)
	recordSuccess(w.metrics, "s3", format, len(file.data), start)
	return file.name, int64(len(file.data)), nil
}

// Close closes the S3 writer.
func (w *S3Writer) Close() error {
	w.logger.Info("closing S3 writer")
	return nil
}
