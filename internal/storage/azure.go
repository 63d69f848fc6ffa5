package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/op3/ucesb-sub002/internal/encoder"
	"github.com/op3/ucesb-sub002/internal/errors"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
	"github.com/op3/ucesb-sub002/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*AzureWriter)(nil)

// AzureConfig contains Azure Blob Storage configuration. A connection
// string takes precedence over account name and key.
type AzureConfig struct {
	AccountName      string
	AccountKey       string
	ContainerName    string
	ConnectionString string
	Endpoint         string
}

// blobUploader is the part of azblob.Client the writer uses.
type blobUploader interface {
	UploadBuffer(ctx context.Context, containerName string, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureWriter implements storage.Writer for Azure Blob Storage.
type AzureWriter struct {
	client         blobUploader
	containerName  string
	encoderFactory *encoder.Factory
	logger         *slog.Logger
	metrics        MetricsCollector
	now            func() time.Time
	mu             sync.Mutex
}

// connectionString builds the connection string for cfg.
func (cfg AzureConfig) connectionString() string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}
	if cfg.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			cfg.AccountName, cfg.AccountKey, cfg.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		cfg.AccountName, cfg.AccountKey)
}

// NewAzureWriter creates a new Azure Blob storage writer.
func NewAzureWriter(
	cfg AzureConfig,
	format pkgencoder.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*AzureWriter, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.connectionString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	w, err := newAzureWriter(client, cfg.ContainerName, encoder.NewFactory(format, compression), logger, metrics)
	if err != nil {
		return nil, err
	}

	logger.Info("Azure writer created",
		"container", cfg.ContainerName,
		"account", cfg.AccountName,
		"format", format,
		"compression", compression,
	)
	return w, nil
}

func newAzureWriter(client blobUploader, container string, factory *encoder.Factory, logger *slog.Logger, metrics MetricsCollector) (*AzureWriter, error) {
	if _, err := factory.CreateEncoder(); err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &AzureWriter{
		client:         client,
		containerName:  container,
		encoderFactory: factory,
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
	}, nil
}

// Write uploads rows as one blob below dir.
func (w *AzureWriter) Write(ctx context.Context, rows []pkgencoder.Row, dir string) (string, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	format := w.encoderFactory.Format()
	file, err := encodeRows(w.encoderFactory, rows, dir, w.now())
	if err != nil {
		recordError(w.metrics, "azure", "encode", format)
		return "", 0, err
	}

	ct := contentType(format)
	_, err = w.client.UploadBuffer(ctx, w.containerName, file.name, file.data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		recordError(w.metrics, "azure", "upload", format)
		return "", 0, &errors.StorageError{Operation: "upload", Path: w.containerName + "/" + file.name, Err: err}
	}

	w.logger.Info("wrote snapshot to Azure Blob",
		"container", w.containerName,
		"blob", file.name,
		"row_count", len(rows),
		"file_size", len(file.data),
		"format", format,
		"total_duration_ms", time.Since(start).Milliseconds(),
	)
	recordSuccess(w.metrics, "azure", format, len(file.data), start)
	return file.name, int64(len(file.data)), nil
}

// Close closes the Azure writer.
func (w *AzureWriter) Close() error {
	w.logger.Info("Azure writer closed")
	return nil
}
