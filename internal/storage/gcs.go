package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jittakal/tracestream/internal/encoder"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
	"github.com/jittakal/tracestream/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*GCSWriter)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket               string
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

// Validate checks the fields needed to reach a bucket.
func (c GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// clientOptions picks the authentication method. Explicit JSON wins over a
// credentials file; with neither, application default credentials apply.
func (c GCSConfig) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	switch {
	case c.UseDefaultCredential:
	case c.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(c.CredentialsJSON)))
	case c.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	return opts
}

// objectOpener returns a writer for a new object; closing it commits the
// upload.
type objectOpener func(ctx context.Context, object, contentType string) io.WriteCloser

// GCSWriter implements storage.Writer for Google Cloud Storage.
type GCSWriter struct {
	client         *gcs.Client
	open           objectOpener
	bucket         string
	encoderFactory *encoder.Factory
	names          *fileNamer
	logger         *slog.Logger
	metrics        MetricsCollector
	mu             sync.Mutex
	closed         bool
}

// NewGCSWriter creates a new Google Cloud Storage writer.
func NewGCSWriter(
	cfg GCSConfig,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*GCSWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := gcs.NewClient(context.Background(), cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := client.Bucket(cfg.Bucket)
	open := func(ctx context.Context, object, contentType string) io.WriteCloser {
		ow := bucket.Object(object).NewWriter(ctx)
		ow.ContentType = contentType
		return ow
	}

	w, err := newGCSWriter(open, cfg, format, compression, logger, metrics)
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

func newGCSWriter(
	open objectOpener,
	cfg GCSConfig,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*GCSWriter, error) {
	encoderFactory, err := newFactory(format, compression)
	if err != nil {
		return nil, err
	}

	return &GCSWriter{
		open:           open,
		bucket:         cfg.Bucket,
		encoderFactory: encoderFactory,
		names:          newFileNamer(),
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// Write encodes records and streams them into a new object below path.
func (w *GCSWriter) Write(
	ctx context.Context,
	records []packet.Record,
	path string,
	format packet.FileFormat,
) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, apperrors.ErrWriterClosed
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("no records to write")
	}

	startTime := time.Now()

	staged, err := stage(w.encoderFactory, "gcs", records)
	if err != nil {
		recordFailure(w.metrics, records, format, "gcs", "encode")
		return 0, &apperrors.StorageError{Operation: "encode", Path: path, Err: err}
	}
	defer staged.remove()

	objectPath := objectPrefix(path, "gs") + w.names.next(staged.ext)
	location := "gs://" + w.bucket + "/" + objectPath

	file, err := os.Open(staged.path)
	if err != nil {
		recordFailure(w.metrics, records, format, "gcs", "file_open")
		return 0, fmt.Errorf("failed to open encoded file: %w", err)
	}
	defer file.Close()

	ow := w.open(ctx, objectPath, contentType(format))

	bytesWritten, err := io.Copy(ow, file)
	if err != nil {
		ow.Close()
		recordFailure(w.metrics, records, format, "gcs", "upload")
		return 0, &apperrors.StorageError{Operation: "upload", Path: location, Err: err}
	}

	if err := ow.Close(); err != nil {
		recordFailure(w.metrics, records, format, "gcs", "close")
		return 0, &apperrors.StorageError{Operation: "upload", Path: location, Err: err}
	}

	duration := time.Since(startTime)

	w.logger.Info("wrote records to GCS",
		"bucket", w.bucket,
		"object", objectPath,
		"record_count", staged.stats.RecordCount,
		"file_size", staged.stats.SizeBytes,
		"bytes_written", bytesWritten,
		"format", format,
		"total_duration_ms", duration.Milliseconds(),
	)

	recordSuccess(w.metrics, records, format, staged.stats.SizeBytes, duration)

	return staged.stats.SizeBytes, nil
}

// Close closes the GCS client.
func (w *GCSWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.logger.Info("GCS writer closed")

	if w.client != nil {
		return w.client.Close()
	}
	return nil
}
