// Package storage defines interfaces for archiving packet records to
// storage backends (S3, GCS, Azure Blob, local filesystem).
package storage

import (
	"context"

	"github.com/jittakal/tracestream/pkg/packet"
)

// Writer writes records to storage.
type Writer interface {
	// Write writes records to storage at path and returns the number of
	// bytes written.
	Write(ctx context.Context, records []packet.Record, path string, format packet.FileFormat) (int64, error)

	// Close closes the writer and releases resources.
	Close() error
}

// Router determines archive paths for records.
type Router interface {
	// Route returns the storage directory for records that arrived on
	// partitionID. timestamp is Unix seconds.
	Route(partitionID packet.PartitionID, timestamp int64) string
}

// RotationPolicy determines when to rotate buffered records to storage.
type RotationPolicy interface {
	// ShouldRotate returns true if the buffer should be flushed.
	ShouldRotate(stats packet.FileStats) bool
}
