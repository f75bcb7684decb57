// Package kafka implements the collector's Kafka clients: a consumer group
// reading packet CloudEvents and a dead letter queue producer. The security
// settings are shared with the packet publisher.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/pkg/consumer"
	"github.com/jittakal/tracestream/pkg/packet"
)

var _ consumer.Consumer = (*SaramaConsumer)(nil)

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	BootstrapServers    []string
	GroupID             string
	Security            SecurityConfig
	AutoOffsetReset     string
	EnableAutoCommit    bool
	MaxPollIntervalMS   int
	SessionTimeoutMS    int
	HeartbeatIntervalMS int
	ChannelBufferSize   int
}

// Validate checks the settings sarama cannot default.
func (c ConsumerConfig) Validate() error {
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("at least one bootstrap server is required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if c.HeartbeatIntervalMS > 0 && c.SessionTimeoutMS > 0 && c.HeartbeatIntervalMS >= c.SessionTimeoutMS {
		return fmt.Errorf("heartbeat interval must be lower than session timeout")
	}
	return nil
}

// MetricsCollector defines metrics operations for the Kafka consumer.
type MetricsCollector interface {
	IncMessagesConsumed(topic string, partition int32)
	IncRebalances(groupID string)
	IncOffsetCommits(topic string, partition int32, status string)
	ObserveRebalanceDuration(groupID string, duration float64)
	ObserveCommitLatency(topic string, partition int32, duration float64)
	SetPartitionsAssigned(topic string, count float64)
}

// SaramaConsumer implements consumer.Consumer with a sarama consumer group.
// Offsets are marked through each packet's CommitFunc once it is archived.
type SaramaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	config        ConsumerConfig
	logger        *slog.Logger
	metrics       MetricsCollector
	topics        []string
	ready         chan struct{}
	mu            sync.RWMutex
	closed        bool
}

// NewSaramaConsumerConfig builds the sarama configuration for config.
func NewSaramaConsumerConfig(config ConsumerConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.ClientID = "tracecollector"
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = config.EnableAutoCommit
	saramaConfig.Consumer.Return.Errors = true

	if config.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMS) * time.Millisecond
	}
	if config.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatIntervalMS) * time.Millisecond
	}
	if config.MaxPollIntervalMS > 0 {
		saramaConfig.Consumer.MaxProcessingTime = time.Duration(config.MaxPollIntervalMS) * time.Millisecond
	} else {
		saramaConfig.Consumer.MaxProcessingTime = 5 * time.Minute
	}

	if err := ConfigureSecurity(saramaConfig, config.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}

	if err := saramaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer configuration: %w", err)
	}
	return saramaConfig, nil
}

// NewSaramaConsumer creates a Kafka consumer group client.
func NewSaramaConsumer(
	config ConsumerConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*SaramaConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	saramaConfig, err := NewSaramaConsumerConfig(config)
	if err != nil {
		return nil, err
	}

	consumerGroup, err := sarama.NewConsumerGroup(config.BootstrapServers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		"group_id", config.GroupID,
		"bootstrap_servers", config.BootstrapServers,
		"security_protocol", config.Security.Protocol,
		"session_timeout_ms", config.SessionTimeoutMS,
	)

	return newSaramaConsumer(consumerGroup, config, logger, metrics), nil
}

func newSaramaConsumer(
	group sarama.ConsumerGroup,
	config ConsumerConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
) *SaramaConsumer {
	return &SaramaConsumer{
		consumerGroup: group,
		config:        config,
		logger:        logger,
		metrics:       metrics,
		ready:         make(chan struct{}),
	}
}

// Subscribe sets the topics to consume.
func (c *SaramaConsumer) Subscribe(ctx context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrConsumerClosed
	}
	if len(topics) == 0 {
		return fmt.Errorf("no topics to subscribe to")
	}

	c.topics = topics
	c.logger.Info("subscribed to topics", "topics", topics)
	return nil
}

// Consume starts the consumer group loop and returns once the first
// session is set up, or when ctx is done first.
func (c *SaramaConsumer) Consume(ctx context.Context) (<-chan *packet.ConsumedPacket, <-chan error, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, nil, errors.ErrConsumerClosed
	}
	topics := c.topics
	c.mu.RUnlock()

	bufSize := c.config.ChannelBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	packets := make(chan *packet.ConsumedPacket, bufSize)
	errs := make(chan error, 16)

	handler := &consumerGroupHandler{
		consumer: c,
		packets:  packets,
		errs:     errs,
		ready:    c.ready,
	}

	go func() {
		defer close(packets)
		defer close(errs)

		for {
			// Consume returns on every rebalance and must be called again.
			if err := c.consumerGroup.Consume(ctx, topics, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("consumer group error", "error", err)
				handler.sendError(ctx, err)
				return
			}
			if ctx.Err() != nil {
				c.logger.Info("consumer context cancelled")
				return
			}
		}
	}()

	go func() {
		for err := range c.consumerGroup.Errors() {
			c.logger.Warn("consumer group reported error", "error", err)
		}
	}()

	select {
	case <-c.ready:
		c.logger.Info("kafka consumer started and ready")
	case <-ctx.Done():
		return packets, errs, ctx.Err()
	}

	return packets, errs, nil
}

// Commit records commit metrics. Offsets themselves are marked on the
// group session through ConsumedPacket.CommitFunc.
func (c *SaramaConsumer) Commit(ctx context.Context, partition packet.PartitionID, offset int64) error {
	start := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.ErrConsumerClosed
	}

	c.logger.Debug("commit requested",
		"topic", partition.Topic,
		"partition", partition.Partition,
		"offset", offset,
	)

	if c.metrics != nil {
		c.metrics.ObserveCommitLatency(partition.Topic, partition.Partition, time.Since(start).Seconds())
		c.metrics.IncOffsetCommits(partition.Topic, partition.Partition, "success")
	}
	return nil
}

// Close closes the consumer group.
func (c *SaramaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Info("closing kafka consumer")
	if err := c.consumerGroup.Close(); err != nil {
		c.logger.Error("error closing consumer group", "error", err)
		return err
	}
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	consumer       *SaramaConsumer
	packets        chan<- *packet.ConsumedPacket
	errs           chan<- error
	ready          chan struct{}
	readyOnce      sync.Once
	rebalanceStart time.Time
}

// Setup runs at the start of a session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.rebalanceStart = time.Now()

	h.consumer.logger.Info("consumer group session setup",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"claims", session.Claims(),
	)

	if m := h.consumer.metrics; m != nil {
		m.IncRebalances(h.consumer.config.GroupID)
		for topic, partitions := range session.Claims() {
			m.SetPartitionsAssigned(topic, float64(len(partitions)))
		}
	}

	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

// Cleanup runs at the end of a session, after all ConsumeClaim goroutines
// have exited.
func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	if h.consumer.metrics != nil && !h.rebalanceStart.IsZero() {
		h.consumer.metrics.ObserveRebalanceDuration(h.consumer.config.GroupID, time.Since(h.rebalanceStart).Seconds())
	}

	h.consumer.logger.Info("consumer group session cleanup", "member_id", session.MemberID())
	return nil
}

// ConsumeClaim forwards the messages of one partition as packets.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.consumer.logger.Info("started consuming partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"initial_offset", claim.InitialOffset(),
	)

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			consumed, err := newConsumedPacket(message, session)
			if err != nil {
				h.consumer.logger.Error("failed to parse packet event",
					"error", err,
					"topic", message.Topic,
					"partition", message.Partition,
					"offset", message.Offset,
				)
				// Unparseable messages are skipped; later marks move the
				// committed offset past them.
				h.sendError(session.Context(), &errors.ProcessingError{
					PartitionID: packet.PartitionID{Topic: message.Topic, Partition: message.Partition},
					Offset:      message.Offset,
					Err:         &errors.DecodeError{Source: message.Topic, Size: len(message.Value), Err: err},
				})
				continue
			}

			select {
			case h.packets <- consumed:
				if h.consumer.metrics != nil {
					h.consumer.metrics.IncMessagesConsumed(message.Topic, message.Partition)
				}
			case <-session.Context().Done():
				return nil
			}

		case <-session.Context().Done():
			h.consumer.logger.Info("session context done, stopping partition consumption",
				"topic", claim.Topic(),
				"partition", claim.Partition(),
			)
			return nil
		}
	}
}

func (h *consumerGroupHandler) sendError(ctx context.Context, err error) {
	select {
	case h.errs <- err:
	case <-ctx.Done():
	default:
		h.consumer.logger.Warn("error channel full, dropping error", "error", err)
	}
}

// newConsumedPacket decodes a JSON CloudEvent message. The commit func marks
// the message on the session that delivered it.
func newConsumedPacket(message *sarama.ConsumerMessage, session sarama.ConsumerGroupSession) (*packet.ConsumedPacket, error) {
	var event cloudevents.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cloud event: %w", err)
	}

	return &packet.ConsumedPacket{
		Event: event,
		Metadata: packet.KafkaMetadata{
			Topic:     message.Topic,
			Partition: message.Partition,
			Offset:    message.Offset,
			Key:       message.Key,
			Headers:   extractHeaders(message.Headers),
			Timestamp: message.Timestamp,
		},
		CommitFunc: func() error {
			session.MarkMessage(message, "")
			return nil
		},
	}, nil
}

func extractHeaders(headers []*sarama.RecordHeader) map[string]string {
	result := make(map[string]string, len(headers))
	for _, header := range headers {
		if header == nil {
			continue
		}
		result[string(header.Key)] = string(header.Value)
	}
	return result
}

// offsetInitial converts auto_offset_reset to sarama's initial offset.
func offsetInitial(autoOffsetReset string) int64 {
	if autoOffsetReset == "earliest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}
