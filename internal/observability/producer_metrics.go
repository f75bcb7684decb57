package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProducerMetrics holds the stream daemon's drain and publish metrics.
type ProducerMetrics struct {
	packetsDrained   *prometheus.CounterVec
	bytesDrained     *prometheus.CounterVec
	packetsLost      *prometheus.CounterVec
	sinkErrors       *prometheus.CounterVec
	sinkDuration     *prometheus.HistogramVec
	packetsPublished *prometheus.CounterVec
	publishFailed    *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	eventsGenerated  *prometheus.CounterVec
}

// NewProducerMetrics creates and registers the stream daemon metrics.
func NewProducerMetrics(registry prometheus.Registerer) *ProducerMetrics {
	factory := promauto.With(registry)

	return &ProducerMetrics{
		packetsDrained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_packets_drained_total",
				Help: "Total number of packets drained from the streams",
			},
			[]string{"stream"},
		),
		bytesDrained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_bytes_drained_total",
				Help: "Total packet bytes drained from the streams",
			},
			[]string{"stream"},
		),
		packetsLost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_packets_lost_total",
				Help: "Packets the consumer found missing from the sequence",
			},
			[]string{"stream"},
		),
		sinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_sink_errors_total",
				Help: "Total number of failed sink writes",
			},
			[]string{"sink"},
		),
		sinkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracestream_sink_write_duration_seconds",
				Help:    "Duration of sink writes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
		packetsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_packets_published_total",
				Help: "Total number of packets published to Kafka",
			},
			[]string{"topic", "stream"},
		),
		publishFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_packets_publish_failed_total",
				Help: "Total number of failed packet publications",
			},
			[]string{"topic", "stream"},
		),
		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracestream_publish_duration_seconds",
				Help:    "Duration of packet publication in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		eventsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracestream_events_generated_total",
				Help: "Total number of synthetic tracepoints emitted",
			},
			[]string{"stream", "event"},
		),
	}
}

// IncPacketsDrained counts one drained packet of the given size.
func (m *ProducerMetrics) IncPacketsDrained(stream string, size int) {
	m.packetsDrained.WithLabelValues(stream).Inc()
	m.bytesDrained.WithLabelValues(stream).Add(float64(size))
}

// AddPacketsLost adds detected losses.
func (m *ProducerMetrics) AddPacketsLost(stream string, n uint64) {
	m.packetsLost.WithLabelValues(stream).Add(float64(n))
}

// IncSinkErrors counts a failed sink write.
func (m *ProducerMetrics) IncSinkErrors(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// ObserveSinkDuration records the duration of a sink write.
func (m *ProducerMetrics) ObserveSinkDuration(sink string, duration float64) {
	m.sinkDuration.WithLabelValues(sink).Observe(duration)
}

// IncPacketsPublished increments the published packets counter.
func (m *ProducerMetrics) IncPacketsPublished(topic, stream string) {
	m.packetsPublished.WithLabelValues(topic, stream).Inc()
}

// IncPublishFailed increments the failed publications counter.
func (m *ProducerMetrics) IncPublishFailed(topic, stream string) {
	m.publishFailed.WithLabelValues(topic, stream).Inc()
}

// ObservePublishDuration records the duration of a publication.
func (m *ProducerMetrics) ObservePublishDuration(topic string, duration float64) {
	m.publishDuration.WithLabelValues(topic).Observe(duration)
}

// IncEventsGenerated counts an emitted synthetic tracepoint.
func (m *ProducerMetrics) IncEventsGenerated(stream, event string) {
	m.eventsGenerated.WithLabelValues(stream, event).Inc()
}
