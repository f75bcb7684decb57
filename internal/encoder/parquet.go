package encoder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/jittakal/tracestream/pkg/encoder"
	"github.com/jittakal/tracestream/pkg/packet"
)

var _ encoder.Encoder = (*ParquetEncoder)(nil)

// PacketParquet is the Parquet row for one archived packet. Time columns
// use TIMESTAMP_MICROS for Athena compatibility.
type PacketParquet struct {
	SessionID  string    `parquet:"session_id,dict"`
	Stream     string    `parquet:"stream,dict"`
	Numbered   bool      `parquet:"numbered"`
	Sequence   int64     `parquet:"sequence"`
	Lost       int64     `parquet:"lost"`
	BodyLength int32     `parquet:"body_length"`
	Packet     []byte    `parquet:"packet"`
	DrainedAt  time.Time `parquet:"drained_at,timestamp(microsecond)"`

	KafkaTopic     *string    `parquet:"kafka_topic,dict,optional"`
	KafkaPartition *int32     `parquet:"kafka_partition,optional"`
	KafkaOffset    *int64     `parquet:"kafka_offset,optional"`
	KafkaTimestamp *time.Time `parquet:"kafka_timestamp,timestamp(microsecond),optional"`
}

// ParquetEncoder writes Parquet files. Supports SNAPPY (default), GZIP,
// LZ4, ZSTD and uncompressed.
type ParquetEncoder struct {
	compressionName string
}

// NewParquetEncoder creates a new Parquet encoder with the given compression.
func NewParquetEncoder(compression string) *ParquetEncoder {
	return &ParquetEncoder{
		compressionName: strings.ToLower(compression),
	}
}

func compressionCodec(compression string) parquet.WriterOption {
	switch strings.ToLower(compression) {
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "uncompressed", "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// Encode writes records to a Parquet file.
func (e *ParquetEncoder) Encode(filePath string, records []packet.Record) (*packet.FileStats, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	rows := make([]PacketParquet, len(records))
	for i, record := range records {
		rows[i] = toParquetRow(record)
	}

	writer := parquet.NewGenericWriter[PacketParquet](
		file,
		compressionCodec(e.compressionName),
		parquet.CreatedBy("tracestream", "1.0", "0"),
	)

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		file.Close()
		return nil, fmt.Errorf("failed to write records: %w", err)
	}

	if err := writer.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to close writer: %w", err)
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

func toParquetRow(record packet.Record) PacketParquet {
	bodyLen := len(record.Data) - packet.HeaderLen(record.Numbered)
	if bodyLen < 0 {
		bodyLen = 0
	}

	row := PacketParquet{
		SessionID:  record.SessionID,
		Stream:     record.Kind.String(),
		Numbered:   record.Numbered,
		Sequence:   int64(record.Sequence),
		Lost:       int64(record.Lost),
		BodyLength: int32(bodyLen),
		Packet:     record.Data,
		DrainedAt:  record.GetEventTime().UTC(),
	}

	// Records archived straight from a drain never touched Kafka.
	if record.Kafka.Topic != "" {
		topic := record.Kafka.Topic
		partition := record.Kafka.Partition
		offset := record.Kafka.Offset
		ts := record.Kafka.Timestamp.UTC()
		row.KafkaTopic = &topic
		row.KafkaPartition = &partition
		row.KafkaOffset = &offset
		row.KafkaTimestamp = &ts
	}

	return row
}

// Format returns the file format.
func (e *ParquetEncoder) Format() packet.FileFormat {
	return packet.FormatParquet
}

// FileExtension returns the file extension.
func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}
