package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jittakal/tracestream/internal/encoder"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
	"github.com/jittakal/tracestream/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*FileWriter)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	BasePath string
}

// FileWriter implements storage.Writer for the local filesystem. Routed
// paths are resolved below BasePath.
type FileWriter struct {
	basePath       string
	encoderFactory *encoder.Factory
	names          *fileNamer
	logger         *slog.Logger
	metrics        MetricsCollector
	mu             sync.Mutex
	closed         bool
}

// NewFileWriter creates a new filesystem storage writer.
func NewFileWriter(
	config FileConfig,
	format packet.FileFormat,
	compression string,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*FileWriter, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	encoderFactory, err := newFactory(format, compression)
	if err != nil {
		return nil, err
	}

	logger.Info("filesystem writer created",
		"base_path", config.BasePath,
		"format", format,
		"compression", compression,
	)

	return &FileWriter{
		basePath:       config.BasePath,
		encoderFactory: encoderFactory,
		names:          newFileNamer(),
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// Write encodes records into a new file under path and returns its size.
func (w *FileWriter) Write(
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
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	startTime := time.Now()

	fileEncoder, err := w.encoderFactory.CreateEncoder()
	if err != nil {
		recordFailure(w.metrics, records, format, "file", "encoder_create")
		return 0, fmt.Errorf("failed to create encoder: %w", err)
	}

	dir := filepath.Join(w.basePath, filepath.FromSlash(strings.TrimPrefix(path, "file://")))
	fullPath := filepath.Join(dir, w.names.next(fileEncoder.FileExtension()))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		recordFailure(w.metrics, records, format, "file", "mkdir")
		return 0, &apperrors.StorageError{Operation: "create", Path: dir, Err: err}
	}

	stats, err := fileEncoder.Encode(fullPath, records)
	if err != nil {
		recordFailure(w.metrics, records, format, "file", "encode")
		return 0, &apperrors.StorageError{Operation: "write", Path: fullPath, Err: err}
	}

	duration := time.Since(startTime)

	w.logger.Info("wrote records to file",
		"path", fullPath,
		"record_count", stats.RecordCount,
		"file_size", stats.SizeBytes,
		"format", format,
		"total_duration_ms", duration.Milliseconds(),
	)

	recordSuccess(w.metrics, records, format, stats.SizeBytes, duration)

	return stats.SizeBytes, nil
}

// Close closes the writer. Further writes fail with ErrWriterClosed.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.logger.Info("closing filesystem writer")
	}
	return nil
}
