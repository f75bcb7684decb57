// Package storage archives packet records to local files, S3, GCS and Azure
// Blob Storage.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jittakal/tracestream/pkg/packet"
	"github.com/jittakal/tracestream/pkg/storage"
)

var (
	_ storage.Router         = (*DefaultRouter)(nil)
	_ storage.RotationPolicy = (*CompositePolicy)(nil)
)

// DefaultRouter lays archives out Hive style so query engines can prune by
// topic, date and hour.
type DefaultRouter struct {
	protocol string
	bucket   string
	basePath string
	version  string
}

// NewRouter creates a new storage router.
func NewRouter(protocol, bucket, basePath, version string) *DefaultRouter {
	return &DefaultRouter{
		protocol: protocol,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
		version:  version,
	}
}

// Route returns the directory for a partition at the given drain time.
// Format: protocol://bucket/basePath/topic/version/dt=YYYY-MM-DD/hour=HH/pid=N/
func (r *DefaultRouter) Route(partitionID packet.PartitionID, timestamp int64) string {
	t := time.Unix(timestamp, 0).UTC()

	segments := make([]string, 0, 6)
	if r.basePath != "" {
		segments = append(segments, r.basePath)
	}
	segments = append(segments,
		partitionID.Topic,
		r.version,
		"dt="+t.Format("2006-01-02"),
		"hour="+t.Format("15"),
		fmt.Sprintf("pid=%d", partitionID.Partition),
	)

	return fmt.Sprintf("%s://%s/%s/", r.protocol, r.bucket, strings.Join(segments, "/"))
}

// RotationStrategy selects which limits trigger a rotation.
type RotationStrategy string

const (
	StrategyComposite RotationStrategy = "composite"
	StrategySizeOnly  RotationStrategy = "size"
	StrategyTimeOnly  RotationStrategy = "time"
	StrategyCount     RotationStrategy = "count"
)

// PolicyConfig configures rotation behavior.
type PolicyConfig struct {
	MaxFileSizeMB      int64
	MaxRecordsPerFile  int
	MaxDurationSeconds int
	Strategy           string
}

// CompositePolicy rotates when any limit enabled by its strategy is hit.
type CompositePolicy struct {
	maxSizeBytes int64
	maxRecords   int
	maxDuration  time.Duration
	now          func() time.Time
}

// NewPolicy creates a rotation policy for config. Limits not covered by the
// strategy are ignored; an empty strategy means composite.
func NewPolicy(config PolicyConfig) *CompositePolicy {
	p := &CompositePolicy{now: time.Now}

	strategy := RotationStrategy(config.Strategy)
	if strategy == "" {
		strategy = StrategyComposite
	}

	if strategy == StrategyComposite || strategy == StrategySizeOnly {
		p.maxSizeBytes = config.MaxFileSizeMB * 1024 * 1024
	}
	if strategy == StrategyComposite || strategy == StrategyCount {
		p.maxRecords = config.MaxRecordsPerFile
	}
	if strategy == StrategyComposite || strategy == StrategyTimeOnly {
		p.maxDuration = time.Duration(config.MaxDurationSeconds) * time.Second
	}

	return p
}

// ValidStrategy reports whether s names a rotation strategy.
func ValidStrategy(s string) bool {
	switch RotationStrategy(s) {
	case StrategyComposite, StrategySizeOnly, StrategyTimeOnly, StrategyCount:
		return true
	}
	return false
}

// ShouldRotate returns true if any enabled rotation condition is met.
func (p *CompositePolicy) ShouldRotate(stats packet.FileStats) bool {
	if stats.RecordCount == 0 {
		return false
	}

	if p.maxSizeBytes > 0 && stats.SizeBytes >= p.maxSizeBytes {
		return true
	}

	if p.maxRecords > 0 && stats.RecordCount >= p.maxRecords {
		return true
	}

	if p.maxDuration > 0 && !stats.FirstWriteTime.IsZero() {
		if p.now().Sub(stats.FirstWriteTime) >= p.maxDuration {
			return true
		}
	}

	return false
}
