// Package buffer defines interfaces for batching drained packet records
// before they are archived.
package buffer

import (
	"github.com/jittakal/tracestream/pkg/packet"
)

// Buffer holds records for one partition until rotation.
// All implementations must be thread-safe.
type Buffer interface {
	// Add appends a record. Returns an error if capacity would be exceeded.
	Add(record packet.Record) error

	// Drain removes and returns all records and resets the buffer.
	Drain() []packet.Record

	// Stats returns current buffer statistics without modifying the buffer.
	Stats() packet.FileStats

	IsEmpty() bool

	// Reset clears the buffer and its statistics.
	Reset()
}

// Manager creates and manages buffers for partitions.
type Manager interface {
	// GetOrCreate returns the buffer for the given partition, creating one
	// if it doesn't exist.
	GetOrCreate(partitionID packet.PartitionID) Buffer
}
