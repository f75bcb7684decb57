// Package packet defines the wire framing of trace packets and the records
// that consumers build from them.
//
// # Packet Layout
//
// A packet is a fixed-size slot of a stream ring, filled front to back:
//
//	+---------+---------+------------+-------------------------+
//	| word0   | word1   | seq (opt.) | messages ...            |
//	+---------+---------+------------+-------------------------+
//	 4 bytes   4 bytes   4 bytes
//
// word0 carries the descriptor (family, class, type, stream id) and word1 the
// body length plus a flag telling whether a sequence number follows. Both are
// little-endian. The body is opaque to this package.
//
// # Loss Detection
//
// Numbered streams stamp each packet with the index it was written at. A
// consumer that sees 4, 5, 9 knows packets 6 to 8 were evicted before it
// drained them:
//
//	var lt packet.LossTracker
//	for _, p := range packets {
//	    if lost := lt.Observe(p.Sequence); lost > 0 {
//	        log.Printf("lost %d packets", lost)
//	    }
//	}
//
// # Records
//
// Record wraps a drained packet with session and transport metadata for
// sinks and archives.
package packet
