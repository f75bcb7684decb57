package packet

import (
	"fmt"
	"time"
)

// KafkaMetadata contains Kafka-specific metadata for a packet that travelled
// through a topic.
type KafkaMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   map[string]string
	Timestamp time.Time
}

// PartitionID uniquely identifies a Kafka partition.
type PartitionID struct {
	Topic     string
	Partition int32
}

// String returns a string representation of the partition ID in the format "topic-partition".
func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// Record is a drained packet ready for a sink or an archive.
type Record struct {
	SessionID string
	Kind      Kind
	Numbered  bool
	Sequence  uint32

	// Lost is the number of packets the consumer detected as missing
	// immediately before this one.
	Lost uint64

	// Data holds the complete packet, header included.
	Data []byte

	DrainedAt time.Time
	Kafka     KafkaMetadata
}

// Body returns the packet body without header and sequence number.
func (r *Record) Body() []byte {
	n := HeaderLen(r.Numbered)
	if len(r.Data) < n {
		return nil
	}
	return r.Data[n:]
}

// GetEventTime returns the time the packet was drained, falling back to the
// Kafka timestamp when the record was rebuilt from a topic without one.
func (r *Record) GetEventTime() time.Time {
	if !r.DrainedAt.IsZero() {
		return r.DrainedAt
	}
	return r.Kafka.Timestamp
}

// GetEventTimeUnix returns the record time as Unix seconds.
func (r *Record) GetEventTimeUnix() int64 {
	return r.GetEventTime().Unix()
}

// FileStats contains statistics about buffered records.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat represents the archive file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)
