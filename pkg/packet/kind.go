package packet

import "fmt"

// Kind distinguishes the independent streams of a tracing session. It only
// matters for framing; the stream engine treats all kinds alike.
type Kind int

const (
	KindObjSummary Kind = iota
	KindObj
	KindAux

	// KindCount is the number of stream kinds.
	KindCount int = iota
)

// Header descriptor values.
const (
	FamilyControl  uint8 = 0
	FamilyTimeline uint8 = 1

	ClassObj uint8 = 0
	ClassAux uint8 = 1

	TypeHeader  uint8 = 0
	TypeBody    uint8 = 1
	TypeSummary uint8 = 2

	StreamIDKernel uint8 = 1
)

// Kinds returns all stream kinds in table order.
func Kinds() []Kind {
	return []Kind{KindObjSummary, KindObj, KindAux}
}

// String returns the name used in configuration, topics and archive paths.
func (k Kind) String() string {
	switch k {
	case KindObjSummary:
		return "obj_summary"
	case KindObj:
		return "obj"
	case KindAux:
		return "aux"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k names a known stream kind.
func (k Kind) Valid() bool {
	return k >= KindObjSummary && int(k) < KindCount
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown stream kind: %q", s)
}

// Descriptor returns the header descriptor stamped into packets of kind k.
func (k Kind) Descriptor() Descriptor {
	switch k {
	case KindObjSummary:
		return Descriptor{Family: FamilyTimeline, Class: ClassObj, Type: TypeSummary, StreamID: StreamIDKernel}
	case KindAux:
		return Descriptor{Family: FamilyTimeline, Class: ClassAux, Type: TypeBody, StreamID: StreamIDKernel}
	default:
		return Descriptor{Family: FamilyTimeline, Class: ClassObj, Type: TypeBody, StreamID: StreamIDKernel}
	}
}

// KindOf maps a decoded descriptor back to its stream kind.
func KindOf(d Descriptor) (Kind, bool) {
	for _, k := range Kinds() {
		if k.Descriptor() == d {
			return k, true
		}
	}
	return 0, false
}

// DefaultNumbered reports whether packets of kind k carry sequence numbers.
// The summary stream is written once per session and is left unnumbered.
func (k Kind) DefaultNumbered() bool {
	return k != KindObjSummary
}
