package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jittakal/tracestream/pkg/packet"
)

// registerMetrics exposes the lock-free stream counters. Cursor gauges take
// the stream guard briefly on scrape.
func (s *Session) registerMetrics() {
	factory := promauto.With(s.registerer)

	for _, kind := range packet.Kinds() {
		st := s.streams[kind]
		labels := prometheus.Labels{"session": s.id, "stream": kind.String()}

		factory.NewCounterFunc(prometheus.CounterOpts{
			Name:        "tracestream_stream_bytes_generated_total",
			Help:        "Total message bytes written into the stream",
			ConstLabels: labels,
		}, func() float64 { return float64(st.BytesGenerated()) })

		factory.NewCounterFunc(prometheus.CounterOpts{
			Name:        "tracestream_stream_packets_finalized_total",
			Help:        "Total packets finalized by the stream",
			ConstLabels: labels,
		}, func() float64 { return float64(st.PacketsFinalized()) })

		factory.NewCounterFunc(prometheus.CounterOpts{
			Name:        "tracestream_stream_packets_evicted_total",
			Help:        "Total unread packets dropped on overflow",
			ConstLabels: labels,
		}, func() float64 { return float64(st.PacketsEvicted()) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tracestream_stream_packets_pending",
			Help:        "Finalized packets waiting for the consumer",
			ConstLabels: labels,
		}, func() float64 { return float64(st.Pending()) })
	}
}
