// Package validator checks packet CloudEvents read from Kafka before they
// are archived.
package validator

import (
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"

	"github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/packet"
)

// PacketValidator validates packet CloudEvents.
type PacketValidator struct {
	maxPacketSize int
}

// NewPacketValidator creates a validator. A positive maxPacketSize rejects
// packets larger than the producer's configured packet size.
func NewPacketValidator(maxPacketSize int) *PacketValidator {
	return &PacketValidator{maxPacketSize: maxPacketSize}
}

// Validate checks the required CloudEvent attributes and the packet
// extensions. It does not decode the packet; see ToRecord.
func (v *PacketValidator) Validate(e cloudevents.Event) error {
	required := []struct {
		field string
		value string
	}{
		{"id", e.ID()},
		{"source", e.Source()},
		{"specversion", e.SpecVersion()},
		{"type", e.Type()},
	}
	for _, r := range required {
		if r.value == "" {
			return &errors.ValidationError{
				PacketID: e.ID(),
				Field:    r.field,
				Reason:   "required field is missing",
			}
		}
	}

	if e.SpecVersion() != cloudevents.VersionV1 {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    "specversion",
			Reason:   fmt.Sprintf("unsupported version: %s (supported: 1.0)", e.SpecVersion()),
		}
	}

	if !strings.HasPrefix(e.Type(), packet.EventTypePrefix) {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    "type",
			Reason:   fmt.Sprintf("not a packet event: %s", e.Type()),
		}
	}

	if _, err := packet.ParseKind(strings.TrimPrefix(e.Type(), packet.EventTypePrefix)); err != nil {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    "type",
			Reason:   err.Error(),
		}
	}

	if ct := e.DataContentType(); ct != "" && ct != packet.ContentType {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    "datacontenttype",
			Reason:   fmt.Sprintf("unexpected content type: %s", ct),
		}
	}

	session, err := types.ToString(e.Extensions()[packet.ExtSessionID])
	if err != nil || session == "" {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    packet.ExtSessionID,
			Reason:   "required extension is missing",
		}
	}

	size := len(e.Data())
	if size < packet.HeaderSize {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    "data",
			Reason:   fmt.Sprintf("packet of %d bytes is shorter than its header", size),
		}
	}
	if v.maxPacketSize > 0 && size > v.maxPacketSize {
		return &errors.ValidationError{
			PacketID: e.ID(),
			Field:    "data",
			Reason:   fmt.Sprintf("packet of %d bytes exceeds packet size %d", size, v.maxPacketSize),
		}
	}

	return nil
}

// ToRecord validates e and decodes it into a record. Decoding failures are
// returned as *errors.DecodeError.
func (v *PacketValidator) ToRecord(e cloudevents.Event, meta packet.KafkaMetadata) (packet.Record, error) {
	if err := v.Validate(e); err != nil {
		return packet.Record{}, err
	}

	record, err := packet.RecordFromCloudEvent(e, meta)
	if err != nil {
		return packet.Record{}, &errors.DecodeError{
			Source: e.Source(),
			Size:   len(e.Data()),
			Err:    err,
		}
	}
	return record, nil
}
