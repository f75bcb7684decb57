package packet

import (
	"testing"
	"time"
)

func TestPartitionID_String(t *testing.T) {
	tests := []struct {
		name      string
		partition PartitionID
		want      string
	}{
		{
			name:      "basic partition",
			partition: PartitionID{Topic: "trace-obj", Partition: 0},
			want:      "trace-obj-0",
		},
		{
			name:      "partition 10",
			partition: PartitionID{Topic: "trace-aux", Partition: 10},
			want:      "trace-aux-10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.partition.String(); got != tt.want {
				t.Errorf("PartitionID.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecord_Body(t *testing.T) {
	tests := []struct {
		name     string
		numbered bool
		data     []byte
		want     int
	}{
		{name: "unnumbered", numbered: false, data: make([]byte, HeaderSize+5), want: 5},
		{name: "numbered", numbered: true, data: make([]byte, HeaderSize+NumberSize+5), want: 5},
		{name: "truncated", numbered: true, data: make([]byte, 3), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{Numbered: tt.numbered, Data: tt.data}
			if got := len(r.Body()); got != tt.want {
				t.Errorf("len(Body()) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRecord_GetEventTime(t *testing.T) {
	drained := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	kafkaTime := time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record Record
		want   time.Time
	}{
		{
			name:   "drain time wins",
			record: Record{DrainedAt: drained, Kafka: KafkaMetadata{Timestamp: kafkaTime}},
			want:   drained,
		},
		{
			name:   "falls back to kafka timestamp",
			record: Record{Kafka: KafkaMetadata{Timestamp: kafkaTime}},
			want:   kafkaTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.GetEventTime(); !got.Equal(tt.want) {
				t.Errorf("GetEventTime() = %v, want %v", got, tt.want)
			}
			if got := tt.record.GetEventTimeUnix(); got != tt.want.Unix() {
				t.Errorf("GetEventTimeUnix() = %d, want %d", got, tt.want.Unix())
			}
		})
	}
}
