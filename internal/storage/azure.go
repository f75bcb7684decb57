package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/jittakal/tracestream/internal/encoder"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
	"github.com/jittakal/tracestream/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*AzureWriter)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Endpoint      string
}

// Validate checks the fields needed to build a connection string.
func (c AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.AccountKey == "" {
		return fmt.Errorf("azure account key is required")
	}
	if c.ContainerName == "" {
		return fmt.Errorf("azure container name is required")
	}
	return nil
}

// ConnectionString builds the shared-key connection string. A custom
// endpoint, such as an Azurite emulator, replaces the public suffix.
func (c AzureConfig) ConnectionString() string {
	if c.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			c.AccountName, c.AccountKey, c.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		c.AccountName, c.AccountKey)
}

// blobUploader is the part of azblob.Client the writer needs.
type blobUploader interface {
	UploadFile(ctx context.Context, containerName string, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// AzureWriter implements storage.Writer for Azure Blob Storage.
type AzureWriter struct {
	client         blobUploader
	containerName  string
	encoderFactory *encoder.Factory
	names          *fileNamer
	logger         *slog.Logger
	metrics        MetricsCollector
	mu             sync.Mutex
	closed         bool
}

// NewAzureWriter creates a new Azure Blob storage writer.
func NewAzureWriter(
	cfg AzureConfig,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*AzureWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	w, err := newAzureWriter(client, cfg, format, compression, logger, metrics)
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

func newAzureWriter(
	client blobUploader,
	cfg AzureConfig,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*AzureWriter, error) {
	encoderFactory, err := newFactory(format, compression)
	if err != nil {
		return nil, err
	}

	return &AzureWriter{
		client:         client,
		containerName:  cfg.ContainerName,
		encoderFactory: encoderFactory,
		names:          newFileNamer(),
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// Write encodes records and uploads them as a block blob below path.
func (w *AzureWriter) Write(ctx context.Context, records []packet.Record, path string, format packet.FileFormat) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, apperrors.ErrWriterClosed
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("no records to write")
	}

	startTime := time.Now()

	staged, err := stage(w.encoderFactory, "azure", records)
	if err != nil {
		recordFailure(w.metrics, records, format, "azure", "encode")
		return 0, &apperrors.StorageError{Operation: "encode", Path: path, Err: err}
	}
	defer staged.remove()

	blobPath := objectPrefix(path, "wasbs") + w.names.next(staged.ext)

	file, err := os.Open(staged.path)
	if err != nil {
		recordFailure(w.metrics, records, format, "azure", "file_open")
		return 0, fmt.Errorf("failed to open encoded file: %w", err)
	}
	defer file.Close()

	ct := contentType(format)
	opts := &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	}

	if _, err := w.client.UploadFile(ctx, w.containerName, blobPath, file, opts); err != nil {
		recordFailure(w.metrics, records, format, "azure", "upload")
		return 0, &apperrors.StorageError{Operation: "upload", Path: "wasbs://" + w.containerName + "/" + blobPath, Err: err}
	}

	duration := time.Since(startTime)

	w.logger.Info("wrote records to Azure Blob",
		"container", w.containerName,
		"blob", blobPath,
		"record_count", staged.stats.RecordCount,
		"file_size", staged.stats.SizeBytes,
		"format", format,
		"total_duration_ms", duration.Milliseconds(),
	)

	recordSuccess(w.metrics, records, format, staged.stats.SizeBytes, duration)

	return staged.stats.SizeBytes, nil
}

// Close closes the Azure writer.
func (w *AzureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.logger.Info("Azure writer closed")
	}
	return nil
}
