// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/jittakal/tracestream/pkg/packet"
)

// Sentinel errors for common conditions.
var (
	ErrBufferFull      = errors.New("buffer is full")
	ErrConsumerClosed  = errors.New("consumer is closed")
	ErrInvalidPacket   = errors.New("invalid packet")
	ErrPartitionClosed = errors.New("partition processor is closed")
	ErrWriterClosed    = errors.New("storage writer is closed")
	ErrSinkClosed      = errors.New("sink is closed")
	ErrConnectionLost  = errors.New("connection lost")
)

// ProcessingError represents an error while handling a consumed packet.
type ProcessingError struct {
	PartitionID packet.PartitionID
	Offset      int64
	PacketID    string
	Err         error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing error: partition=%s offset=%d packet_id=%s: %v",
		e.PartitionID, e.Offset, e.PacketID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// DecodeError represents a packet that could not be decoded.
type DecodeError struct {
	Source string
	Size   int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: source=%s size=%d: %v", e.Source, e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrInvalidPacket.
func (e *DecodeError) Is(target error) bool {
	return target == ErrInvalidPacket
}

// ValidationError represents a packet validation failure.
type ValidationError struct {
	PacketID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: packet_id=%s field=%s: %s",
		e.PacketID, e.Field, e.Reason)
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// SinkError represents a failure to hand drained packets to a sink.
type SinkError struct {
	Sink    string
	Packets int
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink error: sink=%s packets=%d: %v", e.Sink, e.Packets, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface,
// then falls back to checking sentinel errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if errors.Is(err, ErrConnectionLost) {
		return true
	}

	return false
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	// Write and upload operations are generally retryable
	return e.Operation == "write" || e.Operation == "upload" || e.Operation == "create"
}

// IsRetryable determines if a ProcessingError is retryable.
func (e *ProcessingError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// IsRetryable reports whether the sink may accept the packets on a later
// attempt. Closed sinks never recover.
func (e *SinkError) IsRetryable() bool {
	if errors.Is(e.Err, ErrSinkClosed) {
		return false
	}
	return IsRetryable(e.Err)
}
