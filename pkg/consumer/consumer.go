// Package consumer defines interfaces for reading packet events from Kafka.
package consumer

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/jittakal/tracestream/pkg/packet"
)

// Consumer reads packet events from Kafka topics.
type Consumer interface {
	// Subscribe sets the topics to consume.
	Subscribe(ctx context.Context, topics []string) error

	// Consume starts consuming subscribed topics and returns channels for
	// packets and errors.
	Consume(ctx context.Context) (<-chan *packet.ConsumedPacket, <-chan error, error)

	// Commit commits the offset for a partition.
	Commit(ctx context.Context, partition packet.PartitionID, offset int64) error

	// Close closes the consumer and releases resources.
	Close() error
}

// DLQPublisher publishes packets that could not be processed to a dead
// letter queue.
type DLQPublisher interface {
	// Publish sends an event to the DLQ with error information.
	Publish(ctx context.Context, event cloudevents.Event, metadata packet.KafkaMetadata, reason string) error

	// Close closes the publisher and releases resources.
	Close() error
}
