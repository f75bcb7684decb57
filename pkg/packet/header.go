package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header geometry. Every packet starts with two little-endian 32-bit words;
// numbered packets carry a 32-bit sequence number right after them.
const (
	HeaderSize = 8
	NumberSize = 4
)

// Bit layout of header word 0.
const (
	familyPos    = 26
	familyMask   = 0x3f
	classPos     = 19
	classMask    = 0x7f
	typePos      = 16
	typeMask     = 0x7
	streamIDPos  = 0
	streamIDMask = 0x3f
)

// Bit layout of header word 1.
const (
	seqBitPos  = 23
	seqBitMask = 0x1
	lengthPos  = 0
	lengthMask = 0x007fffff
)

// MaxBodyLength is the largest body length the header can express.
const MaxBodyLength = lengthMask

// ErrShortPacket is returned by Decode when the input cannot hold a header.
var ErrShortPacket = errors.New("packet shorter than header")

// Descriptor identifies the producer of a packet.
type Descriptor struct {
	Family   uint8
	Class    uint8
	Type     uint8
	StreamID uint8
}

// Packet is a decoded packet. Body aliases the decoded buffer.
type Packet struct {
	Descriptor Descriptor
	Numbered   bool
	Sequence   uint32
	Body       []byte
}

// Size returns the encoded size of the packet including its header.
func (p Packet) Size() int {
	return HeaderLen(p.Numbered) + len(p.Body)
}

// HeaderLen returns the number of bytes reserved at the start of each packet.
func HeaderLen(numbered bool) int {
	if numbered {
		return HeaderSize + NumberSize
	}
	return HeaderSize
}

// PutDescriptor writes the descriptor word and an empty length word into b.
func PutDescriptor(b []byte, d Descriptor, numbered bool) {
	word0 := uint32(d.Family&familyMask)<<familyPos |
		uint32(d.Class&classMask)<<classPos |
		uint32(d.Type&typeMask)<<typePos |
		uint32(d.StreamID&streamIDMask)<<streamIDPos
	binary.LittleEndian.PutUint32(b[0:4], word0)

	var word1 uint32
	if numbered {
		word1 = seqBitMask << seqBitPos
	}
	binary.LittleEndian.PutUint32(b[4:8], word1)
}

// PutLength stamps the body length into the header, keeping the sequence flag.
func PutLength(b []byte, bodyLen int) {
	word1 := binary.LittleEndian.Uint32(b[4:8])
	word1 &^= lengthMask << lengthPos
	word1 |= (uint32(bodyLen) & lengthMask) << lengthPos
	binary.LittleEndian.PutUint32(b[4:8], word1)
}

// PutSequence stamps the packet sequence number.
func PutSequence(b []byte, seq uint32) {
	binary.LittleEndian.PutUint32(b[HeaderSize:HeaderSize+NumberSize], seq)
}

// Decode parses the packet at the start of b. Bytes past the stamped body
// length are ignored, so Decode can walk a concatenation of packets.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, ErrShortPacket
	}

	word0 := binary.LittleEndian.Uint32(b[0:4])
	word1 := binary.LittleEndian.Uint32(b[4:8])

	p := Packet{
		Descriptor: Descriptor{
			Family:   uint8((word0 >> familyPos) & familyMask),
			Class:    uint8((word0 >> classPos) & classMask),
			Type:     uint8((word0 >> typePos) & typeMask),
			StreamID: uint8((word0 >> streamIDPos) & streamIDMask),
		},
		Numbered: (word1>>seqBitPos)&seqBitMask == 1,
	}

	// The stamped length covers everything after the fixed header words,
	// sequence number included.
	length := int((word1 >> lengthPos) & lengthMask)
	if HeaderSize+length > len(b) {
		return Packet{}, fmt.Errorf("packet length %d exceeds buffer of %d bytes", length, len(b)-HeaderSize)
	}

	body := b[HeaderSize : HeaderSize+length]
	if p.Numbered {
		if len(body) < NumberSize {
			return Packet{}, fmt.Errorf("numbered packet length %d cannot hold a sequence number", length)
		}
		p.Sequence = binary.LittleEndian.Uint32(body[:NumberSize])
		body = body[NumberSize:]
	}
	p.Body = body

	return p, nil
}

// Split walks a concatenation of packets, as written by the raw file sink,
// and calls fn for each one. It stops at the first error.
func Split(b []byte, fn func(Packet) error) error {
	for len(b) > 0 {
		p, err := Decode(b)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		b = b[p.Size():]
	}
	return nil
}
