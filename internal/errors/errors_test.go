package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jittakal/tracestream/pkg/packet"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrConsumerClosed", ErrConsumerClosed},
		{"ErrInvalidPacket", ErrInvalidPacket},
		{"ErrBufferFull", ErrBufferFull},
		{"ErrPartitionClosed", ErrPartitionClosed},
		{"ErrWriterClosed", ErrWriterClosed},
		{"ErrSinkClosed", ErrSinkClosed},
		{"ErrConnectionLost", ErrConnectionLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Errorf("%s should not be nil", tt.name)
			}
			if tt.err.Error() == "" {
				t.Errorf("%s should have an error message", tt.name)
			}
		})
	}
}

func TestProcessingError(t *testing.T) {
	baseErr := errors.New("base error")
	procErr := &ProcessingError{
		PartitionID: packet.PartitionID{Topic: "trace-obj", Partition: 0},
		Offset:      100,
		PacketID:    "packet-123",
		Err:         baseErr,
	}

	if procErr.Error() == "" {
		t.Error("ProcessingError should have an error message")
	}

	if !errors.Is(procErr, baseErr) {
		t.Error("ProcessingError should wrap base error")
	}
}

func TestDecodeError(t *testing.T) {
	err := &DecodeError{Source: "trace-obj-0", Size: 3, Err: packet.ErrShortPacket}

	if !errors.Is(err, packet.ErrShortPacket) {
		t.Error("DecodeError should wrap the decode failure")
	}
	if !errors.Is(err, ErrInvalidPacket) {
		t.Error("DecodeError should match ErrInvalidPacket")
	}
	if IsRetryable(err) {
		t.Error("DecodeError should not be retryable")
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		PacketID: "test-123",
		Field:    "source",
		Reason:   "required field missing",
	}

	if err.Error() == "" {
		t.Error("ValidationError should have an error message")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "connection lost", err: ErrConnectionLost, want: true},
		{name: "wrapped connection lost", err: fmt.Errorf("send: %w", ErrConnectionLost), want: true},
		{name: "storage write", err: &StorageError{Operation: "write", Err: errors.New("disk")}, want: true},
		{name: "storage upload", err: &StorageError{Operation: "upload", Err: errors.New("net")}, want: true},
		{name: "storage encode", err: &StorageError{Operation: "encode", Err: errors.New("schema")}, want: false},
		{name: "processing wraps retryable", err: &ProcessingError{Err: ErrConnectionLost}, want: true},
		{name: "processing wraps permanent", err: &ProcessingError{Err: ErrInvalidPacket}, want: false},
		{name: "sink transient", err: &SinkError{Sink: "kafka", Err: ErrConnectionLost}, want: true},
		{name: "sink closed", err: &SinkError{Sink: "file", Err: ErrSinkClosed}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
