// Package encoder defines interfaces for encoding packet records to archive
// file formats.
package encoder

import "github.com/jittakal/tracestream/pkg/packet"

// Encoder encodes records to a specific file format.
type Encoder interface {
	// Encode writes records to a file and returns file statistics.
	Encode(filePath string, records []packet.Record) (*packet.FileStats, error)

	// Format returns the file format this encoder produces.
	Format() packet.FileFormat

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}
