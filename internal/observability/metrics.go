package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collector's Prometheus metrics.
type Metrics struct {
	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	OffsetCommits      *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	RebalanceDuration  *prometheus.HistogramVec
	PartitionsAssigned *prometheus.GaugeVec
	CommitLatency      *prometheus.HistogramVec
	DeadLettered       *prometheus.CounterVec

	// Packet metrics
	PacketsProcessed *prometheus.CounterVec
	PacketsLost      *prometheus.CounterVec
	StreamResets     *prometheus.CounterVec
	BufferSize       *prometheus.GaugeVec

	// Storage metrics
	FilesWritten         *prometheus.CounterVec
	StorageWriteDuration *prometheus.HistogramVec
	FileSize             *prometheus.HistogramVec
	StorageErrors        *prometheus.CounterVec
}

// NewMetrics creates and registers all collector metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_messages_consumed_total",
				Help: "Total number of packet messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_offset_commit_total",
				Help: "Total number of offset commits",
			},
			[]string{"topic", "partition", "status"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),
		RebalanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracecollector_rebalance_duration_seconds",
				Help:    "Duration of consumer group rebalances",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"group"},
		),
		PartitionsAssigned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracecollector_partitions_assigned",
				Help: "Number of partitions currently assigned to this consumer",
			},
			[]string{"topic"},
		),
		CommitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracecollector_commit_latency_seconds",
				Help:    "Latency of offset commit operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"topic", "partition"},
		),
		DeadLettered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_dead_lettered_total",
				Help: "Total number of messages sent to the dead letter topic",
			},
			[]string{"topic", "reason"},
		),

		PacketsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_packets_processed_total",
				Help: "Total number of packets processed",
			},
			[]string{"stream", "status"},
		),
		PacketsLost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_packets_lost_total",
				Help: "Packets missing from the sequence, evicted before they were drained",
			},
			[]string{"stream"},
		),
		StreamResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_stream_resets_total",
				Help: "Sequence restarts observed per stream",
			},
			[]string{"stream"},
		),
		BufferSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracecollector_buffer_size_bytes",
				Help: "Current buffer size in bytes",
			},
			[]string{"topic", "partition"},
		),

		FilesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_files_written_total",
				Help: "Total number of archive files written to storage",
			},
			[]string{"topic", "partition", "format", "status"},
		),
		StorageWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracecollector_storage_write_duration_seconds",
				Help:    "Duration of complete storage write operations including encoding",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "partition"},
		),
		FileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracecollector_file_size_bytes",
				Help:    "Size of archive files written to storage",
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to 128MB
			},
			[]string{"topic", "partition", "format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracecollector_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),
	}
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Inc()
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// IncOffsetCommits increments offset commits counter.
func (m *Metrics) IncOffsetCommits(topic string, partition int32, status string) {
	m.OffsetCommits.WithLabelValues(topic, fmt.Sprintf("%d", partition), status).Inc()
}

// ObserveRebalanceDuration observes rebalance duration.
func (m *Metrics) ObserveRebalanceDuration(groupID string, duration float64) {
	m.RebalanceDuration.WithLabelValues(groupID).Observe(duration)
}

// ObserveCommitLatency observes commit latency.
func (m *Metrics) ObserveCommitLatency(topic string, partition int32, duration float64) {
	m.CommitLatency.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Observe(duration)
}

// SetPartitionsAssigned sets partitions assigned gauge.
func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

// IncDeadLettered counts a message routed to the dead letter topic.
func (m *Metrics) IncDeadLettered(topic, reason string) {
	m.DeadLettered.WithLabelValues(topic, reason).Inc()
}

// IncPacketsProcessed counts a processed packet.
func (m *Metrics) IncPacketsProcessed(stream, status string) {
	m.PacketsProcessed.WithLabelValues(stream, status).Inc()
}

// AddPacketsLost adds to the lost packet counter.
func (m *Metrics) AddPacketsLost(stream string, n uint64) {
	m.PacketsLost.WithLabelValues(stream).Add(float64(n))
}

// IncStreamResets counts a sequence restart.
func (m *Metrics) IncStreamResets(stream string) {
	m.StreamResets.WithLabelValues(stream).Inc()
}

// SetBufferSize sets the buffered bytes of a partition.
func (m *Metrics) SetBufferSize(topic string, partition int32, size float64) {
	m.BufferSize.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Set(size)
}

// IncFilesWritten increments files written counter.
func (m *Metrics) IncFilesWritten(topic string, partition int32, format string, status string) {
	m.FilesWritten.WithLabelValues(topic, fmt.Sprintf("%d", partition), format, status).Inc()
}

// ObserveFileSize observes file size.
func (m *Metrics) ObserveFileSize(topic string, partition int32, format string, size float64) {
	m.FileSize.WithLabelValues(topic, fmt.Sprintf("%d", partition), format).Observe(size)
}

// ObserveStorageWriteDuration observes storage write duration.
func (m *Metrics) ObserveStorageWriteDuration(topic string, partition int32, duration float64) {
	m.StorageWriteDuration.WithLabelValues(topic, fmt.Sprintf("%d", partition)).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
