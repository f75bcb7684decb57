package tlstream

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittakal/tracestream/pkg/packet"
)

type countingNotifier struct {
	n atomic.Int64
}

func (c *countingNotifier) Notify() { c.n.Add(1) }

func (c *countingNotifier) count() int64 { return c.n.Load() }

func newTestStream(t *testing.T, cfg Config) (*Stream, *countingNotifier) {
	t.Helper()
	n := &countingNotifier{}
	s, err := New(cfg, n)
	require.NoError(t, err)
	return s, n
}

func readAll(t *testing.T, s *Stream) []packet.Packet {
	t.Helper()
	var out []packet.Packet
	for {
		buf := make([]byte, s.PacketSize())
		n, ok := s.ReadPacket(buf)
		if !ok {
			return out
		}
		p, err := packet.Decode(buf[:n])
		require.NoError(t, err)
		out = append(out, p)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "dump count", cfg: Config{PacketCount: DumpPacketCount, Numbered: true}},
		{name: "single packet", cfg: Config{PacketCount: 1}, wantErr: true},
		{name: "packet too small", cfg: Config{PacketSize: packet.HeaderLen(true)}, wantErr: true},
		{name: "smallest usable", cfg: Config{PacketSize: packet.HeaderLen(true) + 1, PacketCount: 2}},
		{name: "packet too large", cfg: Config{PacketSize: packet.MaxBodyLength + packet.HeaderSize + 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, &countingNotifier{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for i := 0; i < s.PacketCount(); i++ {
				assert.Equal(t, 0, s.Filled(i))
			}
			w, r := s.Cursors()
			assert.Zero(t, w)
			assert.Zero(t, r)
		})
	}

	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrNilNotifier)
}

func TestStream_WriteAndFlush(t *testing.T) {
	s, n := newTestStream(t, Config{Numbered: true, Descriptor: packet.KindObj.Descriptor()})

	s.Write([]byte("hello "))
	s.Write([]byte("world"))
	assert.Equal(t, 11, s.Filled(0))
	assert.Equal(t, 0, s.Pending())

	require.True(t, s.Flush())
	assert.Equal(t, int64(1), n.count())

	pkts := readAll(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, "hello world", string(pkts[0].Body))
	assert.True(t, pkts[0].Numbered)
	assert.Equal(t, uint32(0), pkts[0].Sequence)

	kind, ok := packet.KindOf(pkts[0].Descriptor)
	require.True(t, ok)
	assert.Equal(t, packet.KindObj, kind)
	assert.Equal(t, uint64(11), s.BytesGenerated())
}

func TestStream_FlushEmpty(t *testing.T) {
	s, n := newTestStream(t, Config{})

	assert.False(t, s.Flush())
	w, r := s.Cursors()
	assert.Zero(t, w)
	assert.Zero(t, r)
	assert.Zero(t, n.count())
}

func TestStream_RotationNumbering(t *testing.T) {
	const size = 64
	s, n := newTestStream(t, Config{PacketSize: size, PacketCount: 8, Numbered: true})
	msg := bytes.Repeat([]byte{'x'}, 20)

	// 52 payload bytes per packet: two 20-byte messages fit, the third rotates.
	for i := 0; i < 6; i++ {
		s.Write(msg)
	}
	assert.Equal(t, int64(2), n.count())
	require.True(t, s.Flush())

	pkts := readAll(t, s)
	require.Len(t, pkts, 3)
	for i, p := range pkts {
		assert.Equal(t, uint32(i), p.Sequence)
		assert.Len(t, p.Body, 40)
	}
}

func TestStream_ExactFit(t *testing.T) {
	s, _ := newTestStream(t, Config{PacketSize: 32, PacketCount: 4})

	s.Write(bytes.Repeat([]byte{'a'}, s.MaxMessage()))
	assert.Equal(t, 0, s.Pending(), "a full packet is not finalized until the next write")

	s.Write([]byte{'b'})
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 1, s.Filled(1))
}

func TestStream_Eviction(t *testing.T) {
	const count = 4
	s, n := newTestStream(t, Config{PacketSize: 32, PacketCount: count, Numbered: true})
	msg := bytes.Repeat([]byte{'e'}, s.MaxMessage())

	// Every write after the first finalizes one packet.
	const writes = 10
	for i := 0; i < writes; i++ {
		s.Write(msg)
	}

	assert.Equal(t, int64(writes-1), n.count())
	assert.Equal(t, count-1, s.Pending())
	assert.Equal(t, uint64(writes-1-(count-1)), s.PacketsEvicted())

	pkts := readAll(t, s)
	require.Len(t, pkts, count-1)
	first := uint32(writes - 1 - (count - 1))
	for i, p := range pkts {
		assert.Equal(t, first+uint32(i), p.Sequence)
	}

	var lt packet.LossTracker
	for _, p := range pkts {
		lt.Observe(p.Sequence)
	}
	assert.Equal(t, s.PacketsEvicted(), lt.Lost())
}

func TestStream_Autoflush(t *testing.T) {
	s, n := newTestStream(t, Config{})

	s.Write([]byte("idle"))
	assert.False(t, s.Tick(), "first tick only warns")
	assert.True(t, s.Tick(), "second tick flushes")
	assert.Equal(t, int64(1), n.count())
	assert.Equal(t, 1, s.Pending())

	assert.False(t, s.Tick(), "third tick has nothing to do")
	assert.Equal(t, int64(1), n.count())
}

func TestStream_AutoflushRearmedByWrite(t *testing.T) {
	s, n := newTestStream(t, Config{})

	s.Write([]byte("a"))
	assert.False(t, s.Tick())
	s.Write([]byte("b"))
	assert.False(t, s.Tick(), "write between ticks restarts the idle clock")
	assert.Zero(t, n.count())

	assert.True(t, s.Tick())
	pkts := readAll(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, "ab", string(pkts[0].Body))
}

func TestStream_TickIdle(t *testing.T) {
	s, n := newTestStream(t, Config{})

	for i := 0; i < 5; i++ {
		assert.False(t, s.Tick())
	}
	assert.Zero(t, n.count())
}

func TestStream_Reset(t *testing.T) {
	s, _ := newTestStream(t, Config{PacketSize: 32, PacketCount: 4, Numbered: true})
	msg := bytes.Repeat([]byte{'r'}, s.MaxMessage())
	for i := 0; i < 7; i++ {
		s.Write(msg)
	}
	s.Write([]byte("partial"))

	evicted := s.PacketsEvicted()
	s.Reset()

	w, r := s.Cursors()
	assert.Zero(t, w)
	assert.Zero(t, r)
	for i := 0; i < s.PacketCount(); i++ {
		assert.Equal(t, 0, s.Filled(i))
	}
	assert.False(t, s.Tick())
	assert.Equal(t, evicted, s.PacketsEvicted(), "diagnostics survive reset")

	s.Write([]byte("after"))
	require.True(t, s.Flush())
	pkts := readAll(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, uint32(0), pkts[0].Sequence)
	assert.Equal(t, "after", string(pkts[0].Body))
}

func TestStream_Terminate(t *testing.T) {
	s, n := newTestStream(t, Config{})
	s.Write([]byte("x"))

	s.Terminate()
	s.Terminate()

	assert.True(t, s.Terminated())
	assert.False(t, s.Flush())
	assert.False(t, s.Tick())
	assert.False(t, s.Tick())
	assert.Zero(t, n.count())
	assert.Panics(t, func() { s.Write([]byte("y")) })
}

func TestStream_ContractViolations(t *testing.T) {
	t.Run("oversized acquire", func(t *testing.T) {
		s, _ := newTestStream(t, Config{PacketSize: 32, PacketCount: 2})
		assert.Panics(t, func() { s.Acquire(s.MaxMessage() + 1) })
		// The guard must still be free.
		s.Write([]byte("ok"))
	})

	t.Run("negative acquire", func(t *testing.T) {
		s, _ := newTestStream(t, Config{})
		assert.Panics(t, func() { s.Acquire(-1) })
	})

	t.Run("zero token", func(t *testing.T) {
		s, _ := newTestStream(t, Config{})
		assert.Panics(t, func() { s.Release(Token{}) })
	})

	t.Run("double release", func(t *testing.T) {
		s, _ := newTestStream(t, Config{})
		_, tok := s.Acquire(1)
		s.Release(tok)
		assert.Panics(t, func() { s.Release(tok) })
	})

	t.Run("short read buffer", func(t *testing.T) {
		s, _ := newTestStream(t, Config{})
		assert.Panics(t, func() { s.ReadPacket(make([]byte, 16)) })
		assert.Panics(t, func() { s.Peek(make([]byte, 16)) })
	})
}

func TestStream_AcquireSliceBounds(t *testing.T) {
	s, _ := newTestStream(t, Config{})

	buf, tok := s.Acquire(4)
	assert.Len(t, buf, 4)
	assert.Equal(t, 4, cap(buf))
	s.Release(tok)
}

func TestStream_WriteFunc(t *testing.T) {
	s, _ := newTestStream(t, Config{})

	s.WriteFunc(3, func(b []byte) { copy(b, "abc") })
	assert.Panics(t, func() {
		s.WriteFunc(1, func([]byte) { panic("boom") })
	})
	// The guard was released by the deferred Release.
	s.Write([]byte("d"))

	require.True(t, s.Flush())
	pkts := readAll(t, s)
	require.Len(t, pkts, 1)
	assert.Equal(t, "abc\x00d", string(pkts[0].Body))
}

func TestStream_PeekAdvance(t *testing.T) {
	s, _ := newTestStream(t, Config{PacketSize: 32, PacketCount: 3, Numbered: true})
	buf := make([]byte, s.PacketSize())

	_, _, ok := s.Peek(buf)
	assert.False(t, ok)

	s.Write([]byte("one"))
	s.Flush()

	n, idx, ok := s.Peek(buf)
	require.True(t, ok)
	p, err := packet.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "one", string(p.Body))

	// Peek does not consume.
	_, idx2, ok := s.Peek(buf)
	require.True(t, ok)
	assert.Equal(t, idx, idx2)

	assert.True(t, s.Advance(idx))
	assert.False(t, s.Advance(idx), "second advance of the same packet fails")
	assert.Equal(t, 0, s.Pending())
}

func TestStream_AdvanceAfterEviction(t *testing.T) {
	s, _ := newTestStream(t, Config{PacketSize: 32, PacketCount: 3, Numbered: true})
	buf := make([]byte, s.PacketSize())
	msg := bytes.Repeat([]byte{'z'}, s.MaxMessage())

	s.Write(msg)
	s.Write(msg)
	_, idx, ok := s.Peek(buf)
	require.True(t, ok)

	// Producer laps the consumer while it holds the peeked copy.
	for i := 0; i < 3; i++ {
		s.Write(msg)
	}
	assert.False(t, s.Advance(idx))

	n, idx, ok := s.Peek(buf)
	require.True(t, ok)
	p, err := packet.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(idx), p.Sequence)
	assert.True(t, s.Advance(idx))
}

func TestStream_Stats(t *testing.T) {
	s, _ := newTestStream(t, Config{PacketSize: 32, PacketCount: 2})
	msg := bytes.Repeat([]byte{'s'}, s.MaxMessage())
	for i := 0; i < 4; i++ {
		s.Write(msg)
	}

	st := s.Stats()
	assert.Equal(t, uint64(4*len(msg)), st.BytesGenerated)
	assert.Equal(t, uint64(3), st.PacketsFinalized)
	assert.Equal(t, uint64(2), st.PacketsEvicted)
	assert.Equal(t, uint64(3), st.WriteIndex)
	assert.Equal(t, uint64(2), st.ReadIndex)
}
