package encoder

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jittakal/tracestream/pkg/encoder"
	"github.com/jittakal/tracestream/pkg/packet"
)

// Factory creates encoders based on format and configuration.
type Factory struct {
	format      packet.FileFormat
	compression string
}

// NewFactory creates a new encoder factory. An empty compression selects
// the format default.
func NewFactory(format packet.FileFormat, compression string) *Factory {
	if compression == "" {
		compression = DefaultCompression(format)
	}
	return &Factory{
		format:      format,
		compression: compression,
	}
}

// CreateEncoder creates an encoder for the configured format.
func (f *Factory) CreateEncoder() (encoder.Encoder, error) {
	switch f.format {
	case packet.FormatParquet:
		return NewParquetEncoder(f.compression), nil
	case packet.FormatAvro:
		return NewAvroEncoder(f.compression)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", f.format)
	}
}

// SupportedFormats returns the supported file formats.
func SupportedFormats() []packet.FileFormat {
	return []packet.FileFormat{
		packet.FormatParquet,
		packet.FormatAvro,
	}
}

// SupportedCompressions returns supported compression codecs for a format.
func SupportedCompressions(format packet.FileFormat) []string {
	switch format {
	case packet.FormatParquet:
		return []string{"uncompressed", "snappy", "gzip", "lz4", "zstd"}
	case packet.FormatAvro:
		return []string{"uncompressed", "gzip", "deflate", "snappy"}
	default:
		return []string{}
	}
}

// ValidCompression reports whether compression is supported for format.
func ValidCompression(format packet.FileFormat, compression string) bool {
	return slices.Contains(SupportedCompressions(format), strings.ToLower(compression))
}

// DefaultCompression returns the default compression for a format.
func DefaultCompression(format packet.FileFormat) string {
	switch format {
	case packet.FormatParquet:
		return "snappy"
	case packet.FormatAvro:
		return "gzip"
	default:
		return "uncompressed"
	}
}

func fileStats(records []packet.Record, size int64) *packet.FileStats {
	first, last := records[0].GetEventTime(), records[0].GetEventTime()
	for _, r := range records[1:] {
		t := r.GetEventTime()
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	return &packet.FileStats{
		RecordCount:    len(records),
		SizeBytes:      size,
		FirstWriteTime: first,
		LastWriteTime:  last,
	}
}
