package packet

// LossTracker turns the sequence numbers of consecutive numbered packets
// into a count of packets that were evicted before the consumer saw them.
// It is not safe for concurrent use; keep one per stream.
type LossTracker struct {
	next    uint32
	started bool
	lost    uint64
	resets  uint64
}

// Observe records seq and returns how many packets were skipped right
// before it. A sequence number of zero after a higher one is treated as a
// stream reset rather than a wrap, since resets restart numbering.
func (t *LossTracker) Observe(seq uint32) uint64 {
	if !t.started {
		t.started = true
		t.next = seq + 1
		// Numbering starts at zero, so everything below the first
		// observed number was evicted before the consumer got to it.
		t.lost += uint64(seq)
		return uint64(seq)
	}

	var skipped uint64
	switch {
	case seq == t.next:
	case seq == 0:
		t.resets++
	case seq > t.next:
		skipped = uint64(seq - t.next)
	default:
		// Wrapped 32-bit counter.
		skipped = uint64(seq) + (1<<32 - uint64(t.next))
	}

	t.next = seq + 1
	t.lost += skipped
	return skipped
}

// Duplicate reports whether seq was already observed, as happens when a
// transport redelivers packets. Zero is never a duplicate: it marks a
// reset. A backwards step of 2^31 or more is read as a wrap.
func (t *LossTracker) Duplicate(seq uint32) bool {
	if !t.started || seq == 0 {
		return false
	}
	return seq < t.next && t.next-seq < 1<<31
}

// Lost returns the total number of packets reported missing so far.
func (t *LossTracker) Lost() uint64 {
	return t.lost
}

// Resets returns how many sequence restarts were observed.
func (t *LossTracker) Resets() uint64 {
	return t.resets
}

// Reset forgets all history, for use after the producer side was reset on
// purpose.
func (t *LossTracker) Reset() {
	*t = LossTracker{}
}
