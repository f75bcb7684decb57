// Package tracepoint serializes trace events into stream messages.
//
// A message is a fixed 16-byte header followed by an opaque payload:
//
//	0       4       8               16
//	+-------+-------+---------------+----------
//	|  id   |  len  |   timestamp   | payload...
//	+-------+-------+---------------+----------
//
// All fields are little-endian. The timestamp is taken after the stream
// guard is acquired, so timestamps never go backwards within a stream.
package tracepoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jittakal/tracestream/internal/tlstream"
)

// MessageHeaderSize is the size of the per-message header.
const MessageHeaderSize = 16

var (
	// ErrMessageTooLarge is returned when a message cannot fit in one packet.
	ErrMessageTooLarge = errors.New("message too large for packet")

	// ErrStringTooLong is returned when a descriptor string exceeds
	// tlstream.StrlenMax.
	ErrStringTooLong = errors.New("string exceeds maximum length")

	// ErrTruncatedMessage is returned by Parse on a partial message.
	ErrTruncatedMessage = errors.New("truncated message")
)

// Clock returns a monotonic timestamp in nanoseconds.
type Clock func() uint64

// MonotonicClock returns a Clock counting nanoseconds since its creation.
func MonotonicClock() Clock {
	start := time.Now()
	return func() uint64 {
		return uint64(time.Since(start))
	}
}

// Message is a parsed trace message. Payload aliases the parsed buffer.
type Message struct {
	ID        uint32
	Timestamp uint64
	Payload   []byte
}

// Writer emits messages into a stream.
type Writer struct {
	stream *tlstream.Stream
	clock  Clock
}

// NewWriter returns a Writer for s. A nil clock selects MonotonicClock.
func NewWriter(s *tlstream.Stream, clock Clock) *Writer {
	if clock == nil {
		clock = MonotonicClock()
	}
	return &Writer{stream: s, clock: clock}
}

// MaxPayload returns the largest payload Emit accepts.
func (w *Writer) MaxPayload() int {
	return w.stream.MaxMessage() - MessageHeaderSize
}

// Emit writes one message.
func (w *Writer) Emit(id uint32, payload []byte) error {
	if len(payload) > w.MaxPayload() {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(payload), w.MaxPayload())
	}

	w.stream.WriteFunc(MessageHeaderSize+len(payload), func(buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], id)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
		binary.LittleEndian.PutUint64(buf[8:16], w.clock())
		copy(buf[MessageHeaderSize:], payload)
	})

	return nil
}

// EmitString writes a message whose payload is a single descriptor string.
func (w *Writer) EmitString(id uint32, s string) error {
	if len(s) > tlstream.StrlenMax {
		return fmt.Errorf("%w: %d bytes, max %d", ErrStringTooLong, len(s), tlstream.StrlenMax)
	}
	return w.Emit(id, AppendString(nil, s))
}

// AppendString appends s as a length-prefixed string. Strings longer than
// tlstream.StrlenMax are truncated.
func AppendString(b []byte, s string) []byte {
	if len(s) > tlstream.StrlenMax {
		s = s[:tlstream.StrlenMax]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// ReadString decodes a length-prefixed string and returns the rest of b.
func ReadString(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, ErrTruncatedMessage
	}
	n := int(b[0])
	if n > tlstream.StrlenMax {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)
	}
	if len(b) < 1+n {
		return "", nil, ErrTruncatedMessage
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// AppendUint64 appends v little-endian.
func AppendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// Parse splits a packet body into messages and calls fn for each one.
func Parse(body []byte, fn func(Message) error) error {
	for len(body) > 0 {
		if len(body) < MessageHeaderSize {
			return fmt.Errorf("%w: %d trailing bytes", ErrTruncatedMessage, len(body))
		}
		n := int(binary.LittleEndian.Uint32(body[4:8]))
		if len(body) < MessageHeaderSize+n {
			return fmt.Errorf("%w: payload of %d bytes, %d available", ErrTruncatedMessage, n, len(body)-MessageHeaderSize)
		}
		msg := Message{
			ID:        binary.LittleEndian.Uint32(body[0:4]),
			Timestamp: binary.LittleEndian.Uint64(body[8:16]),
			Payload:   body[MessageHeaderSize : MessageHeaderSize+n],
		}
		if err := fn(msg); err != nil {
			return err
		}
		body = body[MessageHeaderSize+n:]
	}
	return nil
}
