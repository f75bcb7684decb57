// Package drain implements the single consumer of a tracing session. It
// moves finalized packets out of the streams, turns sequence gaps into loss
// counts and hands the resulting records to a sink.
package drain

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/internal/session"
	"github.com/jittakal/tracestream/pkg/packet"
)

// DefaultPollInterval bounds how long a packet can sit unread when a
// wake-up is missed.
const DefaultPollInterval = 500 * time.Millisecond

// Sink receives drained packets.
type Sink interface {
	Write(ctx context.Context, records []packet.Record) error
	Close() error
}

// MetricsCollector defines metrics operations for the drainer.
type MetricsCollector interface {
	IncPacketsDrained(stream string, size int)
	AddPacketsLost(stream string, n uint64)
	IncSinkErrors(sink string)
	ObserveSinkDuration(sink string, duration float64)
}

// Config configures a Drainer.
type Config struct {
	PollInterval time.Duration
	SinkName     string
}

// Drainer reads every stream of a session.
type Drainer struct {
	session  *session.Session
	sink     Sink
	config   Config
	logger   *zap.Logger
	metrics  MetricsCollector
	trackers [packet.KindCount]packet.LossTracker
	scratch  []byte
	now      func() time.Time
}

// New creates a Drainer. metrics may be nil.
func New(sess *session.Session, sink Sink, config Config, logger *zap.Logger, metrics MetricsCollector) *Drainer {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.SinkName == "" {
		config.SinkName = "sink"
	}

	size := 0
	for _, st := range sess.Streams() {
		if st.PacketSize() > size {
			size = st.PacketSize()
		}
	}

	return &Drainer{
		session: sess,
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: metrics,
		scratch: make([]byte, size),
		now:     time.Now,
	}
}

// Run drains packets whenever the session signals, on every poll interval,
// and once more after ctx is done, flushing partially filled packets first.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.logger.Info("Drainer started",
		zap.String("sessionId", d.session.ID()),
		zap.String("sink", d.config.SinkName),
		zap.Duration("pollInterval", d.config.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-d.session.Signal().C():
		case <-ticker.C:
		}

		if _, err := d.DrainOnce(ctx); err != nil {
			d.logger.Error("Failed to deliver drained packets", zap.Error(err))
		}
	}
}

func (d *Drainer) shutdown() error {
	flushed := d.session.FlushAll()

	// The run context is already cancelled; the final batch still goes out.
	n, err := d.DrainOnce(context.Background())
	d.logger.Info("Drainer stopped",
		zap.Int("flushedStreams", flushed),
		zap.Int("finalPackets", n),
	)
	return err
}

// DrainOnce reads all available packets, delivers them to the sink in one
// batch and returns the number of packets read. Sink failures are counted
// and returned; the packets are not retried.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	records := d.collect()
	if len(records) == 0 {
		return 0, nil
	}

	start := time.Now()
	err := d.sink.Write(ctx, records)
	if d.metrics != nil {
		d.metrics.ObserveSinkDuration(d.config.SinkName, time.Since(start).Seconds())
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.IncSinkErrors(d.config.SinkName)
		}
		return len(records), &apperrors.SinkError{Sink: d.config.SinkName, Packets: len(records), Err: err}
	}

	d.logger.Debug("Drained packets",
		zap.Int("packets", len(records)),
		zap.String("sink", d.config.SinkName),
	)
	return len(records), nil
}

func (d *Drainer) collect() []packet.Record {
	var records []packet.Record
	drainedAt := d.now().UTC()

	for _, kind := range packet.Kinds() {
		st := d.session.Stream(kind)
		for {
			n, ok := st.ReadPacket(d.scratch)
			if !ok {
				break
			}

			data := make([]byte, n)
			copy(data, d.scratch[:n])

			rec, err := d.record(kind, data, drainedAt)
			if err != nil {
				d.logger.Error("Dropping undecodable packet",
					zap.String("stream", kind.String()),
					zap.Error(err),
				)
				continue
			}
			records = append(records, rec)
		}
	}

	return records
}

func (d *Drainer) record(kind packet.Kind, data []byte, drainedAt time.Time) (packet.Record, error) {
	p, err := packet.Decode(data)
	if err != nil {
		return packet.Record{}, &apperrors.DecodeError{Source: kind.String(), Size: len(data), Err: err}
	}

	rec := packet.Record{
		SessionID: d.session.ID(),
		Kind:      kind,
		Numbered:  p.Numbered,
		Sequence:  p.Sequence,
		Data:      data,
		DrainedAt: drainedAt,
	}

	if p.Numbered {
		rec.Lost = d.trackers[kind].Observe(p.Sequence)
		if rec.Lost > 0 {
			d.logger.Warn("Packets lost before drain",
				zap.String("stream", kind.String()),
				zap.Uint32("sequence", p.Sequence),
				zap.Uint64("lost", rec.Lost),
			)
			if d.metrics != nil {
				d.metrics.AddPacketsLost(kind.String(), rec.Lost)
			}
		}
	}

	if d.metrics != nil {
		d.metrics.IncPacketsDrained(kind.String(), len(data))
	}

	return rec, nil
}

// Lost returns the total number of packets of kind reported missing.
func (d *Drainer) Lost(kind packet.Kind) uint64 {
	return d.trackers[kind].Lost()
}

// ResetTracking forgets sequence history, for use after Session.ResetAll.
func (d *Drainer) ResetTracking() {
	for i := range d.trackers {
		d.trackers[i].Reset()
	}
}
