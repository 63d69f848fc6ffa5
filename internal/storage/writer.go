package storage

import (
	"bytes"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/op3/ucesb-sub002/internal/config/dto"
	"github.com/op3/ucesb-sub002/internal/encoder"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
	"github.com/op3/ucesb-sub002/pkg/storage"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncFilesWritten(backend string, format string, status string)
	ObserveFileSize(format string, size float64)
	ObserveStorageWriteDuration(backend string, duration float64)
	IncStorageErrors(backend string, operation string)
}

// New creates the writer for the configured backend.
func New(
	cfg dto.StorageConfig,
	format pkgencoder.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (storage.Writer, error) {
	switch cfg.Backend {
	case "file":
		return NewFileWriter(FileConfig{BasePath: cfg.File.BasePath}, format, compression, logger, metrics)
	case "s3":
		return NewS3Writer(S3Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
			SSEEnabled:   cfg.S3.SSEEnabled,
			SSEKMSKeyID:  cfg.S3.SSEKMSKeyID,
		}, format, compression, logger, metrics)
	case "azure":
		return NewAzureWriter(AzureConfig{
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ContainerName:    cfg.Azure.Container,
			ConnectionString: cfg.Azure.ConnectionString,
			Endpoint:         cfg.Azure.Endpoint,
		}, format, compression, logger, metrics)
	case "gcs":
		return NewGCSWriter(GCSConfig{
			Bucket:          cfg.GCS.Bucket,
			ProjectID:       cfg.GCS.ProjectID,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
		}, format, compression, logger, metrics)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: file, s3, azure, gcs)", cfg.Backend)
	}
}

// BasePath returns the object prefix configured for the backend.
func BasePath(cfg dto.StorageConfig) string {
	switch cfg.Backend {
	case "s3":
		return cfg.S3.BasePath
	case "gcs":
		return cfg.GCS.BasePath
	default:
		return ""
	}
}

// encoded is one snapshot file ready for upload.
type encoded struct {
	name string
	data []byte
}

// encodeRows encodes rows into a new file named below dir:
// sticky_YYYYMMDD_HHMMSS_<id>.<ext>.
func encodeRows(factory *encoder.Factory, rows []pkgencoder.Row, dir string, now time.Time) (*encoded, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to write")
	}
	enc, err := factory.CreateEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, rows); err != nil {
		return nil, fmt.Errorf("failed to encode rows: %w", err)
	}
	name := fmt.Sprintf("sticky_%s_%s%s",
		now.UTC().Format("20060102_150405"), uuid.NewString()[:8], enc.FileExtension())
	return &encoded{name: path.Join(dir, name), data: buf.Bytes()}, nil
}

// contentType returns the MIME type of a snapshot file.
func contentType(format pkgencoder.FileFormat) string {
	if format == pkgencoder.FormatAvro {
		return "application/avro"
	}
	return "application/octet-stream"
}

func recordSuccess(m MetricsCollector, backend string, format pkgencoder.FileFormat, size int, start time.Time) {
	if m == nil {
		return
	}
	m.IncFilesWritten(backend, string(format), "success")
	m.ObserveFileSize(string(format), float64(size))
	m.ObserveStorageWriteDuration(backend, time.Since(start).Seconds())
}

func recordError(m MetricsCollector, backend, operation string, format pkgencoder.FileFormat) {
	if m == nil {
		return
	}
	m.IncStorageErrors(backend, operation)
	m.IncFilesWritten(backend, string(format), "error")
}
