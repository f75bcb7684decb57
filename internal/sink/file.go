// Package sink holds drain sinks that keep packets on the local machine.
package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/tracestream/internal/drain"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
)

var _ drain.Sink = (*FileSink)(nil)

// DefaultMaxFileSize is used when FileConfig.MaxFileSizeMB is zero.
const DefaultMaxFileSize = 64 * 1024 * 1024

// FileConfig configures a FileSink.
type FileConfig struct {
	Dir           string
	Prefix        string
	MaxFileSizeMB int64
}

// FileSink appends raw packets to files under Dir. Packets carry their own
// length, so a file is a plain concatenation readable with packet.Split. A
// new file is started once the current one reaches the size limit; a packet
// is never split across files.
type FileSink struct {
	config  FileConfig
	maxSize int64
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	size     int64
	sequence int
	closed   bool
}

// NewFileSink creates the directory and returns a sink. The first file is
// opened on the first write.
func NewFileSink(config FileConfig, logger *zap.Logger) (*FileSink, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("sink directory is required")
	}
	if config.Prefix == "" {
		config.Prefix = "trace"
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}

	maxSize := config.MaxFileSizeMB * 1024 * 1024
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	logger.Info("File sink created",
		zap.String("dir", config.Dir),
		zap.String("prefix", config.Prefix),
		zap.Int64("maxFileSize", maxSize),
	)

	return &FileSink{
		config:  config,
		maxSize: maxSize,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Write appends every record's packet and flushes the buffered writer.
func (s *FileSink) Write(ctx context.Context, records []packet.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.ErrSinkClosed
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := records[i].Data
		if s.file == nil || (s.size > 0 && s.size+int64(len(data)) > s.maxSize) {
			if err := s.rotate(); err != nil {
				return err
			}
		}

		n, err := s.buf.Write(data)
		s.size += int64(n)
		if err != nil {
			return &apperrors.StorageError{Operation: "write", Path: s.file.Name(), Err: err}
		}
	}

	if s.buf != nil {
		if err := s.buf.Flush(); err != nil {
			return &apperrors.StorageError{Operation: "write", Path: s.file.Name(), Err: err}
		}
	}
	return nil
}

func (s *FileSink) rotate() error {
	if err := s.closeFile(); err != nil {
		return err
	}

	s.sequence++
	name := fmt.Sprintf("%s_%s_%04d.bin", s.config.Prefix, s.now().UTC().Format("20060102_150405"), s.sequence)
	path := filepath.Join(s.config.Dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return &apperrors.StorageError{Operation: "create", Path: path, Err: err}
	}

	s.file = f
	s.buf = bufio.NewWriterSize(f, 64*1024)
	s.size = 0

	s.logger.Info("Opened sink file", zap.String("path", path))
	return nil
}

func (s *FileSink) closeFile() error {
	if s.file == nil {
		return nil
	}

	path := s.file.Name()
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	s.file, s.buf = nil, nil

	if flushErr != nil {
		return &apperrors.StorageError{Operation: "write", Path: path, Err: flushErr}
	}
	if closeErr != nil {
		return &apperrors.StorageError{Operation: "close", Path: path, Err: closeErr}
	}

	s.logger.Debug("Closed sink file", zap.String("path", path), zap.Int64("size", s.size))
	return nil
}

// Close flushes and closes the current file. It is safe to call twice.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeFile()
}
