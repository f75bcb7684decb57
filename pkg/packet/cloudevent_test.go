package packet

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

func TestCloudEvent_RoundTrip(t *testing.T) {
	drained := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		SessionID: "sess-1",
		Kind:      KindObj,
		Numbered:  true,
		Sequence:  42,
		Lost:      3,
		Data:      buildPacket(KindObj, true, 42, []byte("payload")),
		DrainedAt: drained,
	}

	e, err := NewCloudEvent(rec, "tracestream/sess-1")
	if err != nil {
		t.Fatalf("NewCloudEvent() error = %v", err)
	}
	if e.Type() != "io.tracestream.packet.obj" {
		t.Errorf("Type() = %q", e.Type())
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded cloudevents.Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	meta := KafkaMetadata{Topic: "trace-obj", Partition: 2, Offset: 99}
	got, err := RecordFromCloudEvent(decoded, meta)
	if err != nil {
		t.Fatalf("RecordFromCloudEvent() error = %v", err)
	}

	if got.SessionID != rec.SessionID || got.Kind != rec.Kind || got.Sequence != rec.Sequence {
		t.Errorf("got %+v, want %+v", got, rec)
	}
	if got.Lost != 3 {
		t.Errorf("Lost = %d, want 3", got.Lost)
	}
	if !got.Numbered {
		t.Error("Numbered = false, want true")
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Errorf("Data = %x, want %x", got.Data, rec.Data)
	}
	if !got.DrainedAt.Equal(drained) {
		t.Errorf("DrainedAt = %v, want %v", got.DrainedAt, drained)
	}
	if got.Kafka.Offset != 99 {
		t.Errorf("Kafka.Offset = %d, want 99", got.Kafka.Offset)
	}
}

func TestRecordFromCloudEvent_Errors(t *testing.T) {
	good := Record{
		SessionID: "s",
		Kind:      KindAux,
		Numbered:  true,
		Sequence:  1,
		Data:      buildPacket(KindAux, true, 1, []byte("x")),
		DrainedAt: time.Now(),
	}

	tests := []struct {
		name   string
		mutate func(e *cloudevents.Event)
	}{
		{
			name:   "foreign type",
			mutate: func(e *cloudevents.Event) { e.SetType("com.example.other") },
		},
		{
			name:   "unknown kind",
			mutate: func(e *cloudevents.Event) { e.SetType(EventTypePrefix + "bogus") },
		},
		{
			name:   "header kind mismatch",
			mutate: func(e *cloudevents.Event) { e.SetType(EventType(KindObj)) },
		},
		{
			name: "truncated packet",
			mutate: func(e *cloudevents.Event) {
				_ = e.SetData(ContentType, []byte{1, 2, 3})
			},
		},
		{
			name:   "sequence mismatch",
			mutate: func(e *cloudevents.Event) { e.SetExtension(ExtSequence, "7") },
		},
		{
			name:   "bad lost count",
			mutate: func(e *cloudevents.Event) { e.SetExtension(ExtLost, "many") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewCloudEvent(good, "tracestream/s")
			if err != nil {
				t.Fatalf("NewCloudEvent() error = %v", err)
			}
			tt.mutate(&e)
			if _, err := RecordFromCloudEvent(e, KafkaMetadata{}); err == nil {
				t.Error("RecordFromCloudEvent() error = nil, want error")
			}
		})
	}
}

func TestKafkaHeaders(t *testing.T) {
	rec := Record{
		SessionID: "abc",
		Kind:      KindObjSummary,
		Data:      buildPacket(KindObjSummary, false, 0, []byte("s")),
		DrainedAt: time.Now(),
	}
	e, err := NewCloudEvent(rec, "tracestream/abc")
	if err != nil {
		t.Fatalf("NewCloudEvent() error = %v", err)
	}

	h := KafkaHeaders(e)
	want := map[string]string{
		"ce_specversion": "1.0",
		"ce_type":        "io.tracestream.packet.obj_summary",
		"ce_source":      "tracestream/abc",
		"ce_id":          e.ID(),
		"ce_sessionid":   "abc",
	}
	for k, v := range want {
		if h[k] != v {
			t.Errorf("header %s = %q, want %q", k, h[k], v)
		}
	}
}
