// Package collector turns packet CloudEvents read from Kafka into archive
// files. Records are validated, checked for sequence gaps, buffered per
// partition and written out when the rotation policy fires. Offsets are
// committed only once the records they cover are archived or dead-lettered.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/jittakal/tracestream/internal/buffer"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/internal/validator"
	"github.com/jittakal/tracestream/pkg/consumer"
	"github.com/jittakal/tracestream/pkg/packet"
	"github.com/jittakal/tracestream/pkg/storage"
)

// Dead letter reasons.
const (
	ReasonValidationFailed = "validation_failed"
	ReasonStorageFailed    = "storage_failed"
)

// Processing statuses reported to metrics.
const (
	StatusArchived  = "archived"
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
)

// HealthComponent is the name the collector reports its storage health
// under.
const HealthComponent = "storage"

// MetricsCollector defines metrics operations for the collector.
type MetricsCollector interface {
	IncPacketsProcessed(stream, status string)
	AddPacketsLost(stream string, n uint64)
	IncStreamResets(stream string)
	SetBufferSize(topic string, partition int32, size float64)
	IncDeadLettered(topic, reason string)
}

// HealthReporter receives the outcome of each archive write.
type HealthReporter interface {
	Set(component string, err error)
}

// Config configures the collector.
type Config struct {
	Format        packet.FileFormat
	MaxPacketSize int
	RetryMax      int
	RetryBackoff  time.Duration
	CheckInterval time.Duration
}

type streamKey struct {
	session string
	kind    packet.Kind
}

// Collector is the processing loop. It is driven by a single goroutine.
type Collector struct {
	config    Config
	validator *validator.PacketValidator
	buffers   *buffer.Manager
	router    storage.Router
	policy    storage.RotationPolicy
	writer    storage.Writer
	dlq       consumer.DLQPublisher
	health    HealthReporter
	logger    *slog.Logger
	metrics   MetricsCollector

	loss    map[streamKey]*packet.LossTracker
	pending map[packet.PartitionID]func() error
	// stalled holds the first offset of each partition whose records were
	// dropped unarchived. Nothing at or past it is committed again, so the
	// group redelivers from there after a restart.
	stalled map[packet.PartitionID]int64
}

// Deps groups the collaborators of a Collector. DLQ and Health may be nil.
type Deps struct {
	Buffers *buffer.Manager
	Router  storage.Router
	Policy  storage.RotationPolicy
	Writer  storage.Writer
	DLQ     consumer.DLQPublisher
	Health  HealthReporter
	Logger  *slog.Logger
	Metrics MetricsCollector
}

// New creates a collector.
func New(config Config, deps Deps) *Collector {
	if config.Format == "" {
		config.Format = packet.FormatParquet
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}

	return &Collector{
		config:    config,
		validator: validator.NewPacketValidator(config.MaxPacketSize),
		buffers:   deps.Buffers,
		router:    deps.Router,
		policy:    deps.Policy,
		writer:    deps.Writer,
		dlq:       deps.DLQ,
		health:    deps.Health,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		loss:      make(map[streamKey]*packet.LossTracker),
		pending:   make(map[packet.PartitionID]func() error),
		stalled:   make(map[packet.PartitionID]int64),
	}
}

// Run processes packets until ctx is cancelled or the packet channel is
// closed, then archives whatever is still buffered. Age based rotation is
// checked every CheckInterval.
func (c *Collector) Run(ctx context.Context, packets <-chan *packet.ConsumedPacket, errs <-chan error) error {
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, stopping processing")
			return c.FlushAll(context.WithoutCancel(ctx))

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Error("consumer error", "error", err)

		case <-ticker.C:
			c.rotateExpired(ctx)

		case cp, ok := <-packets:
			if !ok {
				c.logger.Info("packet channel closed")
				return c.FlushAll(context.WithoutCancel(ctx))
			}
			c.Process(ctx, cp)
		}
	}
}

// Process handles one consumed packet.
func (c *Collector) Process(ctx context.Context, cp *packet.ConsumedPacket) {
	pid := packet.PartitionID{Topic: cp.Metadata.Topic, Partition: cp.Metadata.Partition}

	record, err := c.validator.ToRecord(cp.Event, cp.Metadata)
	if err != nil {
		c.logger.Warn("invalid packet event",
			"topic", pid.Topic,
			"partition", pid.Partition,
			"offset", cp.Metadata.Offset,
			"error", err,
		)
		c.count(streamOf(cp.Event), StatusInvalid)
		c.deadLetter(ctx, cp.Event, cp.Metadata, ReasonValidationFailed)
		c.commitOrDefer(pid, cp.CommitFunc)
		return
	}

	if record.Numbered {
		tracker := c.tracker(record)
		if tracker.Duplicate(record.Sequence) {
			c.logger.Debug("skipping redelivered packet",
				"session", record.SessionID,
				"stream", record.Kind.String(),
				"sequence", record.Sequence,
			)
			c.count(record.Kind.String(), StatusDuplicate)
			c.commitOrDefer(pid, cp.CommitFunc)
			return
		}

		resets := tracker.Resets()
		if lost := tracker.Observe(record.Sequence); lost > 0 {
			record.Lost = lost
			if c.metrics != nil {
				c.metrics.AddPacketsLost(record.Kind.String(), lost)
			}
			c.logger.Warn("packets lost",
				"session", record.SessionID,
				"stream", record.Kind.String(),
				"sequence", record.Sequence,
				"lost", lost,
			)
		}
		if tracker.Resets() > resets && c.metrics != nil {
			c.metrics.IncStreamResets(record.Kind.String())
		}
	}

	buf := c.buffers.GetOrCreate(pid)
	if err := buf.Add(record); err != nil {
		// The buffer hit a hard limit before the policy fired.
		c.flush(ctx, pid)
		if err := buf.Add(record); err != nil {
			c.logger.Error("record does not fit an empty buffer",
				"topic", pid.Topic,
				"partition", pid.Partition,
				"offset", cp.Metadata.Offset,
				"error", err,
			)
			c.count(record.Kind.String(), StatusFailed)
			c.deadLetter(ctx, cp.Event, cp.Metadata, ReasonStorageFailed)
			c.commitOrDefer(pid, cp.CommitFunc)
			return
		}
	}
	if _, halted := c.stalled[pid]; !halted && cp.CommitFunc != nil {
		c.pending[pid] = cp.CommitFunc
	}

	stats := buf.Stats()
	if c.metrics != nil {
		c.metrics.SetBufferSize(pid.Topic, pid.Partition, float64(stats.SizeBytes))
	}
	if c.policy.ShouldRotate(stats) {
		c.flush(ctx, pid)
	}
}

// FlushAll archives every non-empty buffer.
func (c *Collector) FlushAll(ctx context.Context) error {
	var failed int
	for _, pid := range c.buffers.Partitions() {
		if !c.flush(ctx, pid) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to archive %d partitions", failed)
	}
	if n := len(c.stalled); n > 0 {
		return fmt.Errorf("%d partitions hold uncommitted records that were not archived", n)
	}
	return nil
}

// Lost returns the packets reported missing for one stream of a session.
func (c *Collector) Lost(session string, kind packet.Kind) uint64 {
	if t, ok := c.loss[streamKey{session, kind}]; ok {
		return t.Lost()
	}
	return 0
}

func (c *Collector) rotateExpired(ctx context.Context) {
	for _, pid := range c.buffers.Partitions() {
		if c.policy.ShouldRotate(c.buffers.GetOrCreate(pid).Stats()) {
			c.flush(ctx, pid)
		}
	}
}

// flush archives the buffer of pid. It reports false only when the records
// could be neither archived nor dead-lettered; the partition then stalls and
// no later offset is committed either.
func (c *Collector) flush(ctx context.Context, pid packet.PartitionID) bool {
	buf := c.buffers.GetOrCreate(pid)
	if buf.IsEmpty() {
		return true
	}
	records := buf.Drain()
	if c.metrics != nil {
		c.metrics.SetBufferSize(pid.Topic, pid.Partition, 0)
	}

	// Records of one batch arrive within the rotation window, so the first
	// record's time picks the archive hour.
	path := c.router.Route(pid, records[0].GetEventTimeUnix())

	written, err := c.write(ctx, records, path)
	if err == nil {
		c.logger.Info("wrote batch to storage",
			"topic", pid.Topic,
			"partition", pid.Partition,
			"records", len(records),
			"bytes", written,
			"path", path,
		)
		for i := range records {
			c.count(records[i].Kind.String(), StatusArchived)
		}
		c.reportHealth(nil)
		c.commit(pid)
		return true
	}

	c.logger.Error("failed to write to storage",
		"topic", pid.Topic,
		"partition", pid.Partition,
		"records", len(records),
		"error", err,
	)
	c.reportHealth(err)

	ok := c.dlq != nil
	for i := range records {
		c.count(records[i].Kind.String(), StatusFailed)
		if c.dlq == nil {
			continue
		}
		event, err := packet.NewCloudEvent(records[i], sourceOf(records[i]))
		if err == nil {
			err = c.publishDLQ(ctx, event, records[i].Kafka, ReasonStorageFailed)
		}
		if err != nil {
			ok = false
		}
	}
	if ok {
		c.commit(pid)
		return true
	}
	c.stall(pid, records[0].Kafka.Offset)
	return false
}

// stall stops offset commits for pid at offset. Later batches are still
// archived.
func (c *Collector) stall(pid packet.PartitionID, offset int64) {
	delete(c.pending, pid)
	if first, ok := c.stalled[pid]; ok && first <= offset {
		return
	}
	c.stalled[pid] = offset
	c.logger.Error("records dropped unarchived, offset commits halted for partition",
		"topic", pid.Topic,
		"partition", pid.Partition,
		"first_uncommitted_offset", offset,
	)
}

// Stalled reports the first offset of pid that will not be committed.
func (c *Collector) Stalled(pid packet.PartitionID) (int64, bool) {
	offset, ok := c.stalled[pid]
	return offset, ok
}

// write retries retryable storage errors with a linear backoff.
func (c *Collector) write(ctx context.Context, records []packet.Record, path string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.config.RetryBackoff):
			}
			c.logger.Warn("retrying storage write", "attempt", attempt, "path", path, "error", lastErr)
		}

		written, err := c.writer.Write(ctx, records, path, c.config.Format)
		if err == nil {
			return written, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			break
		}
	}
	return 0, lastErr
}

func (c *Collector) deadLetter(ctx context.Context, event cloudevents.Event, meta packet.KafkaMetadata, reason string) {
	if c.dlq == nil {
		return
	}
	if err := c.publishDLQ(ctx, event, meta, reason); err != nil {
		c.logger.Error("failed to dead-letter packet", "offset", meta.Offset, "error", err)
	}
}

func (c *Collector) publishDLQ(ctx context.Context, event cloudevents.Event, meta packet.KafkaMetadata, reason string) error {
	if err := c.dlq.Publish(ctx, event, meta, reason); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.IncDeadLettered(meta.Topic, reason)
	}
	return nil
}

// commitOrDefer commits an offset that carries no buffered record. When
// earlier records of the partition are still buffered the commit waits for
// their flush, since it would cover them too.
func (c *Collector) commitOrDefer(pid packet.PartitionID, commit func() error) {
	if commit == nil {
		return
	}
	if _, halted := c.stalled[pid]; halted {
		return
	}
	if _, waiting := c.pending[pid]; waiting {
		c.pending[pid] = commit
		return
	}
	c.runCommit(pid, commit)
}

func (c *Collector) commit(pid packet.PartitionID) {
	commit, ok := c.pending[pid]
	if !ok {
		return
	}
	delete(c.pending, pid)
	if _, halted := c.stalled[pid]; halted {
		return
	}
	c.runCommit(pid, commit)
}

func (c *Collector) runCommit(pid packet.PartitionID, commit func() error) {
	if err := commit(); err != nil {
		c.logger.Error("failed to commit offset",
			"topic", pid.Topic,
			"partition", pid.Partition,
			"error", err,
		)
	}
}

func (c *Collector) tracker(rec packet.Record) *packet.LossTracker {
	key := streamKey{rec.SessionID, rec.Kind}
	t, ok := c.loss[key]
	if !ok {
		t = &packet.LossTracker{}
		c.loss[key] = t
	}
	return t
}

func (c *Collector) count(stream, status string) {
	if c.metrics != nil {
		c.metrics.IncPacketsProcessed(stream, status)
	}
}

func (c *Collector) reportHealth(err error) {
	if c.health != nil {
		c.health.Set(HealthComponent, err)
	}
}

// streamOf names the stream of an event that may not have passed
// validation.
func streamOf(e cloudevents.Event) string {
	kind, err := packet.ParseKind(strings.TrimPrefix(e.Type(), packet.EventTypePrefix))
	if err != nil {
		return "unknown"
	}
	return kind.String()
}

func sourceOf(rec packet.Record) string {
	if s := rec.Kafka.Headers["ce_source"]; s != "" {
		return s
	}
	return "tracecollector"
}
