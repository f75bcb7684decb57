package encoder

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/tracestream/pkg/encoder"
	"github.com/jittakal/tracestream/pkg/packet"
)

var _ encoder.Encoder = (*AvroEncoder)(nil)

// avroSchema describes one archived packet. The raw packet, header
// included, is kept as bytes so archives can be re-split with packet.Decode.
const avroSchema = `{
	"type": "record",
	"name": "PacketRecord",
	"namespace": "io.tracestream.archive",
	"fields": [
		{"name": "session_id", "type": "string"},
		{"name": "stream", "type": "string"},
		{"name": "numbered", "type": "boolean"},
		{"name": "sequence", "type": "long"},
		{"name": "lost", "type": "long"},
		{"name": "body_length", "type": "int"},
		{"name": "packet", "type": "bytes"},
		{"name": "drained_at", "type": {"type": "long", "logicalType": "timestamp-micros"}},
		{"name": "kafka_topic", "type": "string"},
		{"name": "kafka_partition", "type": "int"},
		{"name": "kafka_offset", "type": "long"},
		{"name": "kafka_timestamp", "type": {"type": "long", "logicalType": "timestamp-micros"}}
	]
}`

// AvroEncoder writes Avro Object Container Files. "gzip" wraps the whole
// container; "deflate" and "snappy" use the container's block codecs.
type AvroEncoder struct {
	codec       *goavro.Codec
	compression string
}

// NewAvroEncoder creates a new Avro encoder with the given compression.
func NewAvroEncoder(compression string) (*AvroEncoder, error) {
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	compression = strings.ToLower(compression)
	switch compression {
	case "", "uncompressed", "none", "gzip", "deflate", "snappy":
	default:
		return nil, fmt.Errorf("unsupported avro compression: %s", compression)
	}

	return &AvroEncoder{
		codec:       codec,
		compression: compression,
	}, nil
}

// Encode writes records to an Avro file.
func (e *AvroEncoder) Encode(filePath string, records []packet.Record) (*packet.FileStats, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	if err := e.write(file, records); err != nil {
		file.Close()
		return nil, err
	}

	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return fileStats(records, fileInfo.Size()), nil
}

// EncodeToBytes encodes records into memory.
func (e *AvroEncoder) EncodeToBytes(records []packet.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	var buf bytes.Buffer
	if err := e.write(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *AvroEncoder) write(w io.Writer, records []packet.Record) error {
	var gzipWriter *gzip.Writer
	if e.compression == "gzip" {
		gzipWriter = gzip.NewWriter(w)
		w = gzipWriter
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.blockCompression(),
	})
	if err != nil {
		return fmt.Errorf("failed to create OCF writer: %w", err)
	}

	batch := make([]interface{}, 0, len(records))
	for _, record := range records {
		batch = append(batch, toAvroMap(record))
	}
	if err := ocfWriter.Append(batch); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	return nil
}

func (e *AvroEncoder) blockCompression() string {
	switch e.compression {
	case "deflate":
		return goavro.CompressionDeflateLabel
	case "snappy":
		return goavro.CompressionSnappyLabel
	default:
		return goavro.CompressionNullLabel
	}
}

func toAvroMap(record packet.Record) map[string]interface{} {
	bodyLen := len(record.Data) - packet.HeaderLen(record.Numbered)
	if bodyLen < 0 {
		bodyLen = 0
	}

	return map[string]interface{}{
		"session_id":      record.SessionID,
		"stream":          record.Kind.String(),
		"numbered":        record.Numbered,
		"sequence":        int64(record.Sequence),
		"lost":            int64(record.Lost),
		"body_length":     int32(bodyLen),
		"packet":          record.Data,
		"drained_at":      avroTime(record.GetEventTime()),
		"kafka_topic":     record.Kafka.Topic,
		"kafka_partition": record.Kafka.Partition,
		"kafka_offset":    record.Kafka.Offset,
		"kafka_timestamp": avroTime(record.Kafka.Timestamp),
	}
}

// avroTime maps the zero time to the epoch; timestamp-micros cannot
// represent year one.
func avroTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC()
}

// Format returns the file format.
func (e *AvroEncoder) Format() packet.FileFormat {
	return packet.FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	if e.compression == "gzip" {
		return ".avro.gz"
	}
	return ".avro"
}
