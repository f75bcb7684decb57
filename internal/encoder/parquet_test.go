package encoder

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/jittakal/tracestream/pkg/packet"
)

func TestParquetEncoder_Basics(t *testing.T) {
	enc := NewParquetEncoder("SNAPPY")
	if enc.compressionName != "snappy" {
		t.Errorf("compressionName = %q, want snappy", enc.compressionName)
	}
	if enc.Format() != packet.FormatParquet {
		t.Errorf("Format() = %v", enc.Format())
	}
	if enc.FileExtension() != ".parquet" {
		t.Errorf("FileExtension() = %v", enc.FileExtension())
	}
}

func TestParquetEncoder_Encode_RoundTrip(t *testing.T) {
	for _, compression := range []string{"snappy", "gzip", "lz4", "zstd", "uncompressed", "unknown"} {
		t.Run(compression, func(t *testing.T) {
			enc := NewParquetEncoder(compression)
			path := filepath.Join(t.TempDir(), "packets.parquet")
			records := testRecords(8)

			stats, err := enc.Encode(path, records)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if stats.RecordCount != 8 || stats.SizeBytes == 0 {
				t.Errorf("stats = %+v", stats)
			}

			rows, err := parquet.ReadFile[PacketParquet](path)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if len(rows) != 8 {
				t.Fatalf("read %d rows, want 8", len(rows))
			}

			for i, row := range rows {
				want := records[i]
				if row.SessionID != want.SessionID || row.Stream != "obj" {
					t.Errorf("row %d = %+v", i, row)
				}
				if row.Sequence != int64(want.Sequence) || row.Lost != int64(want.Lost) {
					t.Errorf("row %d sequence/lost = %d/%d", i, row.Sequence, row.Lost)
				}
				if !bytes.Equal(row.Packet, want.Data) {
					t.Errorf("row %d packet mismatch", i)
				}
				if !row.DrainedAt.Equal(want.DrainedAt) {
					t.Errorf("row %d DrainedAt = %v, want %v", i, row.DrainedAt, want.DrainedAt)
				}
				if row.KafkaOffset == nil || *row.KafkaOffset != want.Kafka.Offset {
					t.Errorf("row %d KafkaOffset = %v", i, row.KafkaOffset)
				}
			}
		})
	}
}

func TestParquetEncoder_RecordWithoutKafka(t *testing.T) {
	records := testRecords(1)
	records[0].Kafka = packet.KafkaMetadata{}

	row := toParquetRow(records[0])
	if row.KafkaTopic != nil || row.KafkaPartition != nil || row.KafkaOffset != nil || row.KafkaTimestamp != nil {
		t.Errorf("expected null kafka columns, got %+v", row)
	}
	if row.BodyLength != 16 {
		t.Errorf("BodyLength = %d, want 16", row.BodyLength)
	}
}

func TestParquetEncoder_Errors(t *testing.T) {
	enc := NewParquetEncoder("snappy")

	if _, err := enc.Encode(filepath.Join(t.TempDir(), "x.parquet"), nil); err == nil {
		t.Error("Encode(nil) error = nil")
	}
	if _, err := enc.Encode(filepath.Join(t.TempDir(), "missing", "x.parquet"), testRecords(1)); err == nil {
		t.Error("Encode() into missing directory error = nil")
	}
}
