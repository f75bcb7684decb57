package packet

import (
	"fmt"
	"strconv"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/google/uuid"
)

// CloudEvent attributes used to carry packets through Kafka.
const (
	EventTypePrefix = "io.tracestream.packet."
	ContentType     = "application/octet-stream"

	ExtSessionID = "sessionid"
	ExtSequence  = "sequence"
	ExtNumbered  = "numbered"
	ExtLost      = "lost"
)

// ConsumedPacket is a packet CloudEvent read from Kafka.
type ConsumedPacket struct {
	Event      cloudevents.Event
	Metadata   KafkaMetadata
	CommitFunc func() error
}

// EventType returns the CloudEvent type for packets of kind k.
func EventType(k Kind) string {
	return EventTypePrefix + k.String()
}

// NewCloudEvent wraps a drained packet in a CloudEvent. The packet bytes,
// header included, become the event data.
func NewCloudEvent(rec Record, source string) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.New().String())
	e.SetSource(source)
	e.SetType(EventType(rec.Kind))
	e.SetSubject(rec.Kind.String())
	e.SetTime(rec.GetEventTime())
	e.SetExtension(ExtSessionID, rec.SessionID)
	e.SetExtension(ExtNumbered, rec.Numbered)
	// uint32/uint64 do not fit the CloudEvents integer type.
	e.SetExtension(ExtSequence, strconv.FormatUint(uint64(rec.Sequence), 10))
	e.SetExtension(ExtLost, strconv.FormatUint(rec.Lost, 10))

	if err := e.SetData(ContentType, rec.Data); err != nil {
		return e, fmt.Errorf("failed to set event data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("invalid cloud event: %w", err)
	}
	return e, nil
}

// RecordFromCloudEvent rebuilds a record from a packet CloudEvent. The
// packet header is authoritative for numbering; the extensions are
// cross-checked against it.
func RecordFromCloudEvent(e cloudevents.Event, meta KafkaMetadata) (Record, error) {
	kindName := strings.TrimPrefix(e.Type(), EventTypePrefix)
	if kindName == e.Type() {
		return Record{}, fmt.Errorf("unexpected event type %q", e.Type())
	}
	kind, err := ParseKind(kindName)
	if err != nil {
		return Record{}, err
	}

	data := e.Data()
	p, err := Decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decode packet: %w", err)
	}
	if got, ok := KindOf(p.Descriptor); !ok || got != kind {
		return Record{}, fmt.Errorf("packet header does not match event type %q", e.Type())
	}

	exts := e.Extensions()
	sessionID, err := types.ToString(exts[ExtSessionID])
	if err != nil {
		return Record{}, fmt.Errorf("missing %s extension: %w", ExtSessionID, err)
	}

	var lost uint64
	if v, ok := exts[ExtLost]; ok {
		s, err := types.ToString(v)
		if err != nil {
			return Record{}, fmt.Errorf("invalid %s extension: %w", ExtLost, err)
		}
		if lost, err = strconv.ParseUint(s, 10, 64); err != nil {
			return Record{}, fmt.Errorf("invalid %s extension: %w", ExtLost, err)
		}
	}

	if v, ok := exts[ExtSequence]; ok && p.Numbered {
		s, err := types.ToString(v)
		if err != nil {
			return Record{}, fmt.Errorf("invalid %s extension: %w", ExtSequence, err)
		}
		if s != strconv.FormatUint(uint64(p.Sequence), 10) {
			return Record{}, fmt.Errorf("sequence extension %s does not match packet sequence %d", s, p.Sequence)
		}
	}

	return Record{
		SessionID: sessionID,
		Kind:      kind,
		Numbered:  p.Numbered,
		Sequence:  p.Sequence,
		Lost:      lost,
		Data:      data,
		DrainedAt: e.Time(),
		Kafka:     meta,
	}, nil
}

// KafkaHeaders returns the ce_ routing headers sent alongside the JSON
// encoded event, so brokers and tools can filter without decoding values.
func KafkaHeaders(e cloudevents.Event) map[string]string {
	h := map[string]string{
		"ce_specversion": e.SpecVersion(),
		"ce_type":        e.Type(),
		"ce_source":      e.Source(),
		"ce_id":          e.ID(),
	}
	if v, ok := e.Extensions()[ExtSessionID]; ok {
		if s, err := types.ToString(v); err == nil {
			h["ce_"+ExtSessionID] = s
		}
	}
	return h
}
