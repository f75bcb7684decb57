package drain

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/internal/session"
	"github.com/jittakal/tracestream/pkg/packet"
)

type fakeSink struct {
	mu      sync.Mutex
	records []packet.Record
	err     error
	closed  bool
}

func (s *fakeSink) Write(_ context.Context, records []packet.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) snapshot() []packet.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]packet.Record(nil), s.records...)
}

type mockMetrics struct {
	mu         sync.Mutex
	drained    map[string]int
	lost       map[string]uint64
	sinkErrors int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{drained: map[string]int{}, lost: map[string]uint64{}}
}

func (m *mockMetrics) IncPacketsDrained(stream string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drained[stream]++
}

func (m *mockMetrics) AddPacketsLost(stream string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[stream] += n
}

func (m *mockMetrics) IncSinkErrors(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinkErrors++
}

func (m *mockMetrics) ObserveSinkDuration(string, float64) {}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := session.New(session.Config{PacketSize: 64, PacketCount: 4}, session.WithID("test-session"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestDrainer_DrainOnce(t *testing.T) {
	sess := newTestSession(t)
	sink := &fakeSink{}
	metrics := newMockMetrics()
	d := New(sess, sink, Config{SinkName: "fake"}, zap.NewNop(), metrics)

	sess.Stream(packet.KindObjSummary).Write([]byte("summary"))
	sess.Stream(packet.KindObj).Write([]byte("obj-1"))
	sess.Stream(packet.KindAux).Write([]byte("aux-1"))
	sess.FlushAll()

	n, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records := sink.snapshot()
	require.Len(t, records, 3)
	assert.Equal(t, packet.KindObjSummary, records[0].Kind)
	assert.False(t, records[0].Numbered)
	assert.Equal(t, "summary", string(records[0].Body()))
	assert.Equal(t, packet.KindObj, records[1].Kind)
	assert.True(t, records[1].Numbered)
	assert.Equal(t, "obj-1", string(records[1].Body()))
	for _, r := range records {
		assert.Equal(t, "test-session", r.SessionID)
		assert.False(t, r.DrainedAt.IsZero())
	}
	assert.Equal(t, 1, metrics.drained["obj"])

	n, err = d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainer_ReportsLoss(t *testing.T) {
	sess := newTestSession(t)
	sink := &fakeSink{}
	metrics := newMockMetrics()
	d := New(sess, sink, Config{}, zap.NewNop(), metrics)

	obj := sess.Stream(packet.KindObj)
	msg := bytes.Repeat([]byte{'o'}, obj.MaxMessage())
	// Ten packets through a ring of four: seven are evicted.
	for i := 0; i < 10; i++ {
		obj.Write(msg)
	}
	obj.Flush()

	_, err := d.DrainOnce(context.Background())
	require.NoError(t, err)

	records := sink.snapshot()
	require.Len(t, records, 3)
	assert.Equal(t, uint32(7), records[0].Sequence)
	assert.Equal(t, uint64(7), records[0].Lost)
	assert.Zero(t, records[1].Lost)
	assert.Equal(t, obj.PacketsEvicted(), d.Lost(packet.KindObj))
	assert.Equal(t, uint64(7), metrics.lost["obj"])
}

func TestDrainer_SinkError(t *testing.T) {
	sess := newTestSession(t)
	sink := &fakeSink{err: apperrors.ErrConnectionLost}
	metrics := newMockMetrics()
	d := New(sess, sink, Config{SinkName: "kafka"}, zap.NewNop(), metrics)

	sess.Stream(packet.KindAux).Write([]byte("x"))
	sess.FlushAll()

	n, err := d.DrainOnce(context.Background())
	assert.Equal(t, 1, n)

	var sinkErr *apperrors.SinkError
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, "kafka", sinkErr.Sink)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 1, metrics.sinkErrors)

	// Packets are consumed even when delivery fails.
	assert.Zero(t, sess.Stream(packet.KindAux).Pending())
}

func TestDrainer_Run(t *testing.T) {
	sess := newTestSession(t)
	sink := &fakeSink{}
	d := New(sess, sink, Config{PollInterval: time.Hour}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })

	sess.Stream(packet.KindObj).Write([]byte("woken"))
	sess.FlushAll()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	// Left in the active packet; only the shutdown flush delivers it.
	sess.Stream(packet.KindAux).Write([]byte("pending"))
	cancel()
	require.NoError(t, g.Wait())

	records := sink.snapshot()
	require.Len(t, records, 2)
	assert.Equal(t, "woken", string(records[0].Body()))
	assert.Equal(t, packet.KindAux, records[1].Kind)
	assert.Equal(t, "pending", string(records[1].Body()))
}

func TestDrainer_ResetTracking(t *testing.T) {
	sess := newTestSession(t)
	sink := &fakeSink{}
	d := New(sess, sink, Config{}, zap.NewNop(), nil)

	obj := sess.Stream(packet.KindObj)
	msg := bytes.Repeat([]byte{'o'}, obj.MaxMessage())
	for i := 0; i < 8; i++ {
		obj.Write(msg)
	}
	_, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	require.NotZero(t, d.Lost(packet.KindObj))

	sess.ResetAll()
	d.ResetTracking()
	assert.Zero(t, d.Lost(packet.KindObj))

	obj.Write([]byte("fresh"))
	obj.Flush()
	_, err = d.DrainOnce(context.Background())
	require.NoError(t, err)

	records := sink.snapshot()
	last := records[len(records)-1]
	assert.Equal(t, uint32(0), last.Sequence)
	assert.Zero(t, last.Lost)
}
