package buffer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/buffer"
	"github.com/jittakal/tracestream/pkg/packet"
)

var _ buffer.Buffer = (*PartitionBuffer)(nil)

// recordOverhead approximates the per-row cost of metadata columns.
const recordOverhead = 64

// PartitionBuffer holds packet records for a single Kafka partition.
// The first and last write times feed rotation decisions.
type PartitionBuffer struct {
	partitionID    packet.PartitionID
	records        []packet.Record
	maxSizeBytes   int64
	maxRecords     int
	currentSize    int64
	firstWriteTime time.Time
	lastWriteTime  time.Time
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a new partition buffer. A zero limit disables that limit.
func New(partitionID packet.PartitionID, maxSizeBytes int64, maxRecords int) *PartitionBuffer {
	return &PartitionBuffer{
		partitionID:  partitionID,
		records:      make([]packet.Record, 0, initialCapacity(maxRecords)),
		maxSizeBytes: maxSizeBytes,
		maxRecords:   maxRecords,
		now:          time.Now,
	}
}

func initialCapacity(maxRecords int) int {
	if maxRecords <= 0 || maxRecords > 1024 {
		return 1024
	}
	return maxRecords
}

// PartitionID returns the partition this buffer holds records for.
func (b *PartitionBuffer) PartitionID() packet.PartitionID {
	return b.partitionID
}

// Add appends a record. It returns errors.ErrBufferFull when a limit would
// be exceeded.
func (b *PartitionBuffer) Add(record packet.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxRecords > 0 && len(b.records) >= b.maxRecords {
		return fmt.Errorf("%w: max records (%d) reached", errors.ErrBufferFull, b.maxRecords)
	}

	recordSize := int64(EstimateSize(record))
	if b.maxSizeBytes > 0 && b.currentSize+recordSize > b.maxSizeBytes {
		return fmt.Errorf("%w: max size (%d bytes) would be exceeded", errors.ErrBufferFull, b.maxSizeBytes)
	}

	b.records = append(b.records, record)
	b.currentSize += recordSize

	now := b.now()
	if b.firstWriteTime.IsZero() {
		b.firstWriteTime = now
	}
	b.lastWriteTime = now

	return nil
}

// Drain removes and returns all records. The returned slice is owned by the
// caller.
func (b *PartitionBuffer) Drain() []packet.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.records
	b.reset()
	return records
}

// Stats returns current buffer statistics.
func (b *PartitionBuffer) Stats() packet.FileStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return packet.FileStats{
		RecordCount:    len(b.records),
		SizeBytes:      b.currentSize,
		FirstWriteTime: b.firstWriteTime,
		LastWriteTime:  b.lastWriteTime,
	}
}

// IsEmpty returns true if the buffer is empty.
func (b *PartitionBuffer) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records) == 0
}

// Reset clears the buffer and resets all statistics.
func (b *PartitionBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *PartitionBuffer) reset() {
	b.records = make([]packet.Record, 0, initialCapacity(b.maxRecords))
	b.currentSize = 0
	b.firstWriteTime = time.Time{}
	b.lastWriteTime = time.Time{}
}

// EstimateSize estimates the archived size of a record in bytes.
func EstimateSize(record packet.Record) int {
	size := recordOverhead
	size += len(record.Data)
	size += len(record.SessionID)
	size += len(record.Kafka.Topic)
	size += len(record.Kafka.Key)

	for k, v := range record.Kafka.Headers {
		size += len(k) + len(v)
	}

	return size
}

// Manager owns the buffers of all assigned partitions and creates them on
// demand.
type Manager struct {
	buffers      map[packet.PartitionID]*PartitionBuffer
	maxSizeBytes int64
	maxRecords   int
	mu           sync.RWMutex
}

// NewManager creates a new buffer manager.
func NewManager(maxSizeBytes int64, maxRecords int) *Manager {
	return &Manager{
		buffers:      make(map[packet.PartitionID]*PartitionBuffer),
		maxSizeBytes: maxSizeBytes,
		maxRecords:   maxRecords,
	}
}

// GetOrCreate returns a buffer for the partition, creating if needed.
func (m *Manager) GetOrCreate(partitionID packet.PartitionID) buffer.Buffer {
	m.mu.RLock()
	buf, exists := m.buffers[partitionID]
	m.mu.RUnlock()

	if exists {
		return buf
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if buf, exists := m.buffers[partitionID]; exists {
		return buf
	}

	buf = New(partitionID, m.maxSizeBytes, m.maxRecords)
	m.buffers[partitionID] = buf
	return buf
}

// Partitions returns the partitions that currently have a buffer, sorted
// by topic and partition.
func (m *Manager) Partitions() []packet.PartitionID {
	m.mu.RLock()
	ids := make([]packet.PartitionID, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Topic != ids[j].Topic {
			return ids[i].Topic < ids[j].Topic
		}
		return ids[i].Partition < ids[j].Partition
	})
	return ids
}

// Remove drops the buffer of a partition and returns whatever it still
// held.
func (m *Manager) Remove(partitionID packet.PartitionID) []packet.Record {
	m.mu.Lock()
	buf, exists := m.buffers[partitionID]
	delete(m.buffers, partitionID)
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return buf.Drain()
}

// TotalSize returns the estimated bytes held across all buffers.
func (m *Manager) TotalSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, buf := range m.buffers {
		total += buf.Stats().SizeBytes
	}
	return total
}
