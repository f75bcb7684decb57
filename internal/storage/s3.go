package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jittakal/tracestream/internal/encoder"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
	"github.com/jittakal/tracestream/pkg/storage"
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

// Validate checks the fields needed to reach a bucket.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// s3Uploader is the part of manager.Uploader the writer needs.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Writer implements storage.Writer for AWS S3 storage using multipart
// uploads and optional server-side encryption.
type S3Writer struct {
	uploader       s3Uploader
	bucket         string
	sseEnabled     bool
	sseKMSKeyID    string
	encoderFactory *encoder.Factory
	names          *fileNamer
	logger         *slog.Logger
	metrics        MetricsCollector
	mu             sync.Mutex
	closed         bool
}

// NewS3Writer creates a new S3 storage writer.
func NewS3Writer(
	cfg S3Config,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*S3Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

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

	w, err := newS3Writer(uploader, cfg, format, compression, logger, metrics)
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

func newS3Writer(
	uploader s3Uploader,
	cfg S3Config,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*S3Writer, error) {
	encoderFactory, err := newFactory(format, compression)
	if err != nil {
		return nil, err
	}

	return &S3Writer{
		uploader:       uploader,
		bucket:         cfg.Bucket,
		sseEnabled:     cfg.SSEEnabled,
		sseKMSKeyID:    cfg.SSEKMSKeyID,
		encoderFactory: encoderFactory,
		names:          newFileNamer(),
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// Write encodes records and uploads them below path, which may be a full
// s3://bucket/key/ URI or a bare key prefix.
func (w *S3Writer) Write(
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

	staged, err := stage(w.encoderFactory, "s3", records)
	if err != nil {
		recordFailure(w.metrics, records, format, "s3", "encode")
		return 0, &apperrors.StorageError{Operation: "encode", Path: path, Err: err}
	}
	defer staged.remove()

	s3Key := objectPrefix(path, "s3") + w.names.next(staged.ext)

	file, err := os.Open(staged.path)
	if err != nil {
		recordFailure(w.metrics, records, format, "s3", "file_open")
		return 0, fmt.Errorf("failed to open encoded file: %w", err)
	}
	defer file.Close()

	uploadInput := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(s3Key),
		Body:        file,
		ContentType: aws.String(contentType(format)),
	}

	if w.sseEnabled {
		if w.sseKMSKeyID != "" {
			uploadInput.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			uploadInput.SSEKMSKeyId = aws.String(w.sseKMSKeyID)
		} else {
			uploadInput.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}

	result, err := w.uploader.Upload(ctx, uploadInput)
	if err != nil {
		recordFailure(w.metrics, records, format, "s3", "upload")
		return 0, &apperrors.StorageError{Operation: "upload", Path: "s3://" + w.bucket + "/" + s3Key, Err: err}
	}

	duration := time.Since(startTime)

	w.logger.Info("wrote records to S3",
		"bucket", w.bucket,
		"key", s3Key,
		"record_count", staged.stats.RecordCount,
		"file_size", staged.stats.SizeBytes,
		"format", format,
		"location", result.Location,
		"total_duration_ms", duration.Milliseconds(),
	)

	recordSuccess(w.metrics, records, format, staged.stats.SizeBytes, duration)

	return staged.stats.SizeBytes, nil
}

// Close closes the S3 writer.
func (w *S3Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.logger.Info("closing S3 writer")
	}
	return nil
}
