package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
)

// fakeSession implements sarama.ConsumerGroupSession and records marks.
type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu     sync.Mutex
	marked []*sarama.ConsumerMessage
}

func newFakeSession(ctx context.Context) *fakeSession {
	return &fakeSession{ctx: ctx, claims: map[string][]int32{"trace-obj": {0, 1}, "trace-aux": {0}}}
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }

func (s *fakeSession) MemberID() string { return "member-1" }

func (s *fakeSession) GenerationID() int32 { return 1 }

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) Commit() {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offsets := make([]int64, len(s.marked))
	for i, m := range s.marked {
		offsets[i] = m.Offset
	}
	return offsets
}

// fakeClaim implements sarama.ConsumerGroupClaim over a channel.
type fakeClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return c.topic }

func (c *fakeClaim) Partition() int32 { return c.partition }

func (c *fakeClaim) InitialOffset() int64 { return 0 }

func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup implements sarama.ConsumerGroup. Consume runs one session that
// lasts until ctx is done.
type fakeGroup struct {
	errs    chan error
	closed  bool
	session *fakeSession
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.session = newFakeSession(ctx)
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	<-ctx.Done()
	return handler.Cleanup(g.session)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32) {}

func (g *fakeGroup) Resume(map[string][]int32) {}

func (g *fakeGroup) PauseAll() {}

func (g *fakeGroup) ResumeAll() {}

// mockMetrics records consumer metric calls.
type mockMetrics struct {
	mu          sync.Mutex
	consumed    int
	rebalances  int
	commits     int
	assigned    map[string]float64
	rebalanceOK bool
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{assigned: make(map[string]float64)}
}

func (m *mockMetrics) IncMessagesConsumed(string, int32) {
	m.mu.Lock()
	m.consumed++
	m.mu.Unlock()
}

func (m *mockMetrics) IncRebalances(string) {
	m.mu.Lock()
	m.rebalances++
	m.mu.Unlock()
}

func (m *mockMetrics) IncOffsetCommits(string, int32, string) {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
}

func (m *mockMetrics) ObserveRebalanceDuration(string, float64) {
	m.mu.Lock()
	m.rebalanceOK = true
	m.mu.Unlock()
}

func (m *mockMetrics) ObserveCommitLatency(string, int32, float64) {}

func (m *mockMetrics) SetPartitionsAssigned(topic string, count float64) {
	m.mu.Lock()
	m.assigned[topic] = count
	m.mu.Unlock()
}
