package tlstream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jittakal/tracestream/pkg/packet"
)

// Stream geometry defaults.
const (
	DefaultPacketSize  = 4096
	DefaultPacketCount = 32

	// DumpPacketCount is used by configurations with heavier
	// instrumentation enabled.
	DumpPacketCount = 64

	// StrlenMax bounds descriptor strings carried inside messages. The
	// stream does not look at message contents; the tracepoint layer
	// enforces it.
	StrlenMax = 64
)

// Autoflush states.
const (
	autoflushIdle    int32 = -1
	autoflushArmed   int32 = 0
	autoflushWarning int32 = 1
)

// Notifier is woken whenever a packet becomes readable. Notify is called
// with the stream guard held and must not block.
type Notifier interface {
	Notify()
}

// Config describes the geometry and framing of a stream.
type Config struct {
	PacketSize  int
	PacketCount int
	Numbered    bool
	Descriptor  packet.Descriptor
}

func (c Config) withDefaults() Config {
	if c.PacketSize == 0 {
		c.PacketSize = DefaultPacketSize
	}
	if c.PacketCount == 0 {
		c.PacketCount = DefaultPacketCount
	}
	return c
}

// Validate checks that the geometry can hold at least one message and that
// a single eviction per rotation keeps the ring consistent.
func (c Config) Validate() error {
	if c.PacketCount < 2 {
		return fmt.Errorf("packet count must be at least 2, got %d", c.PacketCount)
	}
	if c.PacketSize <= packet.HeaderLen(true) {
		return fmt.Errorf("packet size must be greater than %d, got %d", packet.HeaderLen(true), c.PacketSize)
	}
	if c.PacketSize-packet.HeaderSize > packet.MaxBodyLength {
		return fmt.Errorf("packet size %d exceeds the header length field", c.PacketSize)
	}
	return nil
}

// ErrNilNotifier is returned by New when no notifier is supplied.
var ErrNilNotifier = errors.New("notifier is required")

// Token identifies the holder of the stream guard between Acquire and
// Release.
type Token struct {
	gen uint64
}

// Stats is a snapshot of stream diagnostics.
type Stats struct {
	BytesGenerated   uint64
	PacketsFinalized uint64
	PacketsEvicted   uint64
	WriteIndex       uint64
	ReadIndex        uint64
}

// Stream is a ring of fixed-size trace packets.
type Stream struct {
	packetSize  int
	packetCount int
	numbered    bool
	headerLen   int
	descriptor  packet.Descriptor

	mu       sync.Mutex
	arena    []byte
	filled   []int
	wbi      uint64
	rbi      uint64
	notifier Notifier

	gen  uint64
	held atomic.Uint64

	autoflush  atomic.Int32
	terminated atomic.Bool

	bytesGenerated   atomic.Uint64
	packetsFinalized atomic.Uint64
	packetsEvicted   atomic.Uint64
}

// New allocates a stream. All storage is allocated here; nothing on the
// write path allocates.
func New(cfg Config, n Notifier) (*Stream, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNilNotifier
	}

	s := &Stream{
		packetSize:  cfg.PacketSize,
		packetCount: cfg.PacketCount,
		numbered:    cfg.Numbered,
		headerLen:   packet.HeaderLen(cfg.Numbered),
		descriptor:  cfg.Descriptor,
		arena:       make([]byte, cfg.PacketSize*cfg.PacketCount),
		filled:      make([]int, cfg.PacketCount),
		notifier:    n,
	}
	s.autoflush.Store(autoflushIdle)
	s.resetSlots()

	return s, nil
}

// PacketSize returns the size of one packet including its header.
func (s *Stream) PacketSize() int { return s.packetSize }

// PacketCount returns the number of packets in the ring.
func (s *Stream) PacketCount() int { return s.packetCount }

// Numbered reports whether packets carry sequence numbers.
func (s *Stream) Numbered() bool { return s.numbered }

// MaxMessage returns the largest n accepted by Acquire.
func (s *Stream) MaxMessage() int { return s.packetSize - s.headerLen }

func (s *Stream) slot(i int) []byte {
	off := i * s.packetSize
	return s.arena[off : off+s.packetSize]
}

func (s *Stream) resetSlots() {
	for i := range s.filled {
		packet.PutDescriptor(s.slot(i), s.descriptor, s.numbered)
		s.filled[i] = s.headerLen
	}
}

// Acquire reserves n bytes in the active packet and returns them along with
// a token for Release. The stream guard stays held until Release.
//
// Acquire panics if n exceeds MaxMessage or the stream was terminated.
func (s *Stream) Acquire(n int) ([]byte, Token) {
	if n < 0 || n > s.MaxMessage() {
		panic(fmt.Sprintf("tlstream: acquire of %d bytes exceeds packet payload of %d", n, s.MaxMessage()))
	}

	s.mu.Lock()
	if s.terminated.Load() {
		s.mu.Unlock()
		panic("tlstream: acquire on terminated stream")
	}

	cur := int(s.wbi % uint64(s.packetCount))
	if s.filled[cur]+n > s.packetSize {
		s.submit()
		cur = int(s.wbi % uint64(s.packetCount))
	}

	start := s.filled[cur]
	s.filled[cur] += n
	s.autoflush.Store(autoflushArmed)
	s.bytesGenerated.Add(uint64(n))

	s.gen++
	s.held.Store(s.gen)

	off := cur*s.packetSize + start
	return s.arena[off : off+n : off+n], Token{gen: s.gen}
}

// Release ends the critical section started by Acquire. It panics when tok
// does not belong to the current holder.
func (s *Stream) Release(tok Token) {
	if tok.gen == 0 || !s.held.CompareAndSwap(tok.gen, 0) {
		panic("tlstream: release without matching acquire")
	}
	s.mu.Unlock()
}

// Write appends msg as one message.
func (s *Stream) Write(msg []byte) {
	buf, tok := s.Acquire(len(msg))
	copy(buf, msg)
	s.Release(tok)
}

// WriteFunc reserves n bytes and lets fill populate them while the guard is
// held. Timestamps taken inside fill are ordered like the stream.
func (s *Stream) WriteFunc(n int, fill func([]byte)) {
	buf, tok := s.Acquire(n)
	defer s.Release(tok)
	fill(buf)
}

// submit finalizes the active packet. The caller holds the guard.
func (s *Stream) submit() {
	cur := int(s.wbi % uint64(s.packetCount))
	b := s.slot(cur)
	packet.PutLength(b, s.filled[cur]-packet.HeaderSize)
	if s.numbered {
		packet.PutSequence(b, uint32(s.wbi))
	}

	s.autoflush.Store(autoflushIdle)
	s.wbi++
	s.packetsFinalized.Add(1)

	if s.notifier != nil {
		s.notifier.Notify()
	}

	// The new active slot is the oldest unread packet when the ring is full.
	if s.wbi-s.rbi >= uint64(s.packetCount) {
		s.rbi++
		s.packetsEvicted.Add(1)
	}
	s.filled[int(s.wbi%uint64(s.packetCount))] = s.headerLen
}

// Flush finalizes the active packet if it holds any message bytes and
// reports whether it did.
func (s *Stream) Flush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated.Load() {
		return false
	}
	if s.filled[int(s.wbi%uint64(s.packetCount))] <= s.headerLen {
		s.autoflush.Store(autoflushIdle)
		return false
	}
	s.submit()
	return true
}

// Tick advances the autoflush state machine. The second consecutive tick
// without intervening writes flushes the active packet. Tick reports
// whether it flushed.
func (s *Stream) Tick() bool {
	if s.terminated.Load() {
		return false
	}

	af := s.autoflush.Load()
	if af < autoflushArmed {
		return false
	}
	// A write between the load and the swap re-arms the counter; skip this
	// round instead of flushing a packet that just saw activity.
	if !s.autoflush.CompareAndSwap(af, af+1) {
		return false
	}
	if af >= autoflushWarning {
		return s.Flush()
	}
	return false
}

// Reset discards all buffered data and restarts sequence numbering at zero.
// It must not race with producers.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetSlots()
	s.wbi = 0
	s.rbi = 0
	s.autoflush.Store(autoflushIdle)
}

// Terminate detaches the notifier. Later Flush and Tick calls do nothing
// and Acquire panics. Terminate is idempotent.
func (s *Stream) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminated.Store(true)
	s.notifier = nil
	s.autoflush.Store(autoflushIdle)
}

// Terminated reports whether Terminate was called.
func (s *Stream) Terminated() bool {
	return s.terminated.Load()
}

func (s *Stream) checkDst(dst []byte) {
	if len(dst) < s.packetSize {
		panic(fmt.Sprintf("tlstream: read buffer of %d bytes is smaller than packet size %d", len(dst), s.packetSize))
	}
}

// peekLocked copies the oldest finalized packet into dst.
func (s *Stream) peekLocked(dst []byte) (int, uint64, bool) {
	if s.rbi == s.wbi {
		return 0, s.rbi, false
	}
	slot := int(s.rbi % uint64(s.packetCount))
	n := copy(dst, s.slot(slot)[:s.filled[slot]])
	return n, s.rbi, true
}

// Peek copies the oldest unread packet, header included, into dst without
// consuming it. idx identifies the packet for Advance. ok is false when no
// finalized packet is available. dst must hold at least PacketSize bytes.
func (s *Stream) Peek(dst []byte) (n int, idx uint64, ok bool) {
	s.checkDst(dst)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked(dst)
}

// Advance consumes the packet returned by Peek. It returns false when that
// packet was evicted in the meantime, in which case the caller should peek
// again.
func (s *Stream) Advance(idx uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rbi != idx || s.rbi == s.wbi {
		return false
	}
	s.rbi++
	return true
}

// ReadPacket copies and consumes the oldest unread packet.
func (s *Stream) ReadPacket(dst []byte) (int, bool) {
	s.checkDst(dst)

	s.mu.Lock()
	defer s.mu.Unlock()

	n, _, ok := s.peekLocked(dst)
	if ok {
		s.rbi++
	}
	return n, ok
}

// Cursors returns the write and read indices.
func (s *Stream) Cursors() (write, read uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wbi, s.rbi
}

// Filled returns the number of message bytes held by slot i.
func (s *Stream) Filled(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled[i] - s.headerLen
}

// Pending returns the number of finalized packets waiting to be read.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.wbi - s.rbi)
}

// BytesGenerated returns the total message bytes accepted. It does not take
// the guard.
func (s *Stream) BytesGenerated() uint64 { return s.bytesGenerated.Load() }

// PacketsFinalized returns the number of packets submitted so far.
func (s *Stream) PacketsFinalized() uint64 { return s.packetsFinalized.Load() }

// PacketsEvicted returns the number of unread packets dropped on overflow.
func (s *Stream) PacketsEvicted() uint64 { return s.packetsEvicted.Load() }

// Stats returns a snapshot of the stream diagnostics.
func (s *Stream) Stats() Stats {
	w, r := s.Cursors()
	return Stats{
		BytesGenerated:   s.bytesGenerated.Load(),
		PacketsFinalized: s.packetsFinalized.Load(),
		PacketsEvicted:   s.packetsEvicted.Load(),
		WriteIndex:       w,
		ReadIndex:        r,
	}
}
