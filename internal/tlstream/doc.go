// Package tlstream implements a fixed-capacity ring of trace packets.
//
// Many producers append variable-length messages to a Stream. Messages are
// packed into fixed-size packets; a packet is finalized ("submitted") when
// the next message does not fit, when the owner calls Flush, or when the
// autoflush state machine detects two consecutive idle ticks. A single
// consumer drains finalized packets in order.
//
// The ring never blocks producers on the consumer. When it is full the
// oldest unread packet is dropped, and numbered streams make every drop
// visible to the consumer as a gap in packet sequence numbers.
//
// # Producer protocol
//
//	buf, tok := s.Acquire(len(msg))
//	copy(buf, msg)
//	s.Release(tok)
//
// The guard taken by Acquire is held until Release. Work done in between
// must not block, allocate or perform I/O.
//
// # Consumer protocol
//
//	n, idx, ok := s.Peek(dst)
//	// process dst[:n]
//	if !s.Advance(idx) {
//		// the packet was evicted while being processed; peek again
//	}
//
// ReadPacket combines both steps.
package tlstream
