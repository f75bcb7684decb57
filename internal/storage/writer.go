package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jittakal/tracestream/internal/encoder"
	"github.com/jittakal/tracestream/pkg/packet"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncFilesWritten(topic string, partition int32, format string, status string)
	ObserveFileSize(topic string, partition int32, format string, size float64)
	ObserveStorageWriteDuration(topic string, partition int32, duration float64)
	IncStorageErrors(backend string, operation string)
}

// fileNamer generates archive file names of the form
// packets_YYYYMMDD_HHMMSS_NNN.ext. NNN counts files created within the same
// second so names stay unique per writer.
type fileNamer struct {
	mu       sync.Mutex
	now      func() time.Time
	last     string
	sequence int
}

func newFileNamer() *fileNamer {
	return &fileNamer{now: time.Now}
}

func (n *fileNamer) next(ext string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	timestamp := n.now().UTC().Format("20060102_150405")
	if timestamp == n.last {
		n.sequence++
	} else {
		n.last = timestamp
		n.sequence = 1
	}
	return fmt.Sprintf("packets_%s_%03d%s", timestamp, n.sequence, ext)
}

// objectPrefix strips scheme://bucket/ from a routed path and returns the key
// prefix inside the bucket, with a trailing slash when non-empty.
func objectPrefix(path, scheme string) string {
	key := path
	if rest, ok := strings.CutPrefix(path, scheme+"://"); ok {
		_, key, _ = strings.Cut(rest, "/")
	}
	key = strings.Trim(key, "/")
	if key == "" {
		return ""
	}
	return key + "/"
}

// contentType returns the MIME type object stores should advertise.
func contentType(format packet.FileFormat) string {
	if format == packet.FormatAvro {
		return "application/avro"
	}
	return "application/octet-stream"
}

// stagedFile is an archive encoded to a temporary file ahead of an upload.
type stagedFile struct {
	path  string
	ext   string
	stats *packet.FileStats
}

func (s *stagedFile) remove() {
	os.Remove(s.path)
}

// stage encodes records into a temporary file for backends that upload.
func stage(factory *encoder.Factory, backend string, records []packet.Record) (*stagedFile, error) {
	enc, err := factory.CreateEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	f, err := os.CreateTemp("", backend+"-upload-*"+enc.FileExtension())
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := f.Name()
	f.Close()

	stats, err := enc.Encode(tempPath, records)
	if err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}

	return &stagedFile{path: tempPath, ext: enc.FileExtension(), stats: stats}, nil
}

// newFactory checks that the format and compression pair is supported.
func newFactory(format packet.FileFormat, compression string) (*encoder.Factory, error) {
	factory := encoder.NewFactory(format, compression)
	if _, err := factory.CreateEncoder(); err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return factory, nil
}

func recordSuccess(m MetricsCollector, records []packet.Record, format packet.FileFormat, size int64, d time.Duration) {
	if m == nil || len(records) == 0 {
		return
	}
	topic := records[0].Kafka.Topic
	partition := records[0].Kafka.Partition
	m.IncFilesWritten(topic, partition, string(format), "success")
	m.ObserveFileSize(topic, partition, string(format), float64(size))
	m.ObserveStorageWriteDuration(topic, partition, d.Seconds())
}

func recordFailure(m MetricsCollector, records []packet.Record, format packet.FileFormat, backend, op string) {
	if m == nil {
		return
	}
	m.IncStorageErrors(backend, op)
	if len(records) > 0 {
		m.IncFilesWritten(records[0].Kafka.Topic, records[0].Kafka.Partition, string(format), "failure")
	}
}
