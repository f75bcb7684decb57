// Package publisher ships drained packets to Kafka as CloudEvents. It is the
// drain sink used when the stream daemon runs with sink "kafka".
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/tracestream/internal/drain"
	apperrors "github.com/jittakal/tracestream/internal/errors"
	"github.com/jittakal/tracestream/internal/kafka"
	"github.com/jittakal/tracestream/pkg/packet"
)

var _ drain.Sink = (*Publisher)(nil)

// MetricsCollector defines metrics operations for the publisher.
type MetricsCollector interface {
	IncPacketsPublished(topic, stream string)
	IncPublishFailed(topic, stream string)
	ObservePublishDuration(topic string, duration float64)
}

// Topics names the destination topic of each stream kind.
type Topics struct {
	ObjSummary string
	Obj        string
	Aux        string
}

// DefaultTopics returns tracestream.<kind> for every kind.
func DefaultTopics() Topics {
	return Topics{
		ObjSummary: "tracestream." + packet.KindObjSummary.String(),
		Obj:        "tracestream." + packet.KindObj.String(),
		Aux:        "tracestream." + packet.KindAux.String(),
	}
}

// For returns the topic for kind.
func (t Topics) For(kind packet.Kind) string {
	switch kind {
	case packet.KindObjSummary:
		return t.ObjSummary
	case packet.KindAux:
		return t.Aux
	default:
		return t.Obj
	}
}

// All returns the configured topics in kind order.
func (t Topics) All() []string {
	return []string{t.ObjSummary, t.Obj, t.Aux}
}

// Config configures the Kafka publisher.
type Config struct {
	Brokers         []string
	ClientID        string
	Security        kafka.SecurityConfig
	RequiredAcks    int
	Compression     string
	MaxMessageBytes int
	Idempotent      bool
	RetryMax        int
	RetryBackoff    time.Duration
	Topics          Topics
}

// Validate checks the settings needed to publish.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker must be configured")
	}
	for _, kind := range packet.Kinds() {
		if c.Topics.For(kind) == "" {
			return fmt.Errorf("topic for stream %s must be configured", kind)
		}
	}
	return nil
}

// NewSaramaConfig builds the producer configuration.
func NewSaramaConfig(cfg Config) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}
	config.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	config.Producer.Compression = kafka.CompressionCodec(cfg.Compression)
	if cfg.MaxMessageBytes > 0 {
		config.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.RetryMax > 0 {
		config.Producer.Retry.Max = cfg.RetryMax
	}
	if cfg.RetryBackoff > 0 {
		config.Producer.Retry.Backoff = cfg.RetryBackoff
	}

	// Idempotent producers need acks from every replica and one in-flight
	// request per connection.
	if cfg.Idempotent {
		config.Producer.Idempotent = true
		config.Producer.RequiredAcks = sarama.WaitForAll
		config.Net.MaxOpenRequests = 1
	}

	if err := kafka.ConfigureSecurity(config, cfg.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}
	return config, nil
}

// Publisher sends each drained packet to its stream's topic.
type Publisher struct {
	producer sarama.SyncProducer
	topics   Topics
	logger   *zap.Logger
	metrics  MetricsCollector

	mu     sync.Mutex
	closed bool
}

// New connects a synchronous producer to the brokers.
func New(cfg Config, logger *zap.Logger, metrics MetricsCollector) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	config, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka publisher created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("securityProtocol", cfg.Security.Protocol),
		zap.Strings("topics", cfg.Topics.All()),
	)

	return newPublisher(producer, cfg.Topics, logger, metrics), nil
}

func newPublisher(producer sarama.SyncProducer, topics Topics, logger *zap.Logger, metrics MetricsCollector) *Publisher {
	return &Publisher{
		producer: producer,
		topics:   topics,
		logger:   logger,
		metrics:  metrics,
	}
}

// Write publishes records as one batch. Messages are keyed by session and
// stream so each stream keeps its order within a partition. Packets that
// cannot be encoded are skipped and reported in the returned error.
func (p *Publisher) Write(ctx context.Context, records []packet.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return apperrors.ErrSinkClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for i := range records {
		msg, err := p.message(records[i])
		if err != nil {
			p.failed(p.topics.For(records[i].Kind), records[i].Kind)
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return errors.Join(errs...)
	}

	start := time.Now()
	sendErr := p.producer.SendMessages(msgs)
	duration := time.Since(start).Seconds()

	failed := make(map[*sarama.ProducerMessage]bool)
	var producerErrs sarama.ProducerErrors
	switch {
	case sendErr == nil:
	case errors.As(sendErr, &producerErrs):
		for _, pe := range producerErrs {
			failed[pe.Msg] = true
		}
	default:
		for _, msg := range msgs {
			failed[msg] = true
		}
	}

	observed := make(map[string]bool)
	for _, msg := range msgs {
		kind := msg.Metadata.(packet.Kind)
		if failed[msg] {
			p.failed(msg.Topic, kind)
		} else if p.metrics != nil {
			p.metrics.IncPacketsPublished(msg.Topic, kind.String())
		}
		if p.metrics != nil && !observed[msg.Topic] {
			observed[msg.Topic] = true
			p.metrics.ObservePublishDuration(msg.Topic, duration)
		}
	}

	if sendErr != nil {
		p.logger.Error("Failed to publish packets",
			zap.Int("packets", len(msgs)),
			zap.Int("failed", len(failed)),
			zap.Error(sendErr),
		)
		errs = append(errs, fmt.Errorf("failed to send packets to Kafka: %w", sendErr))
	} else {
		p.logger.Debug("Published packets", zap.Int("packets", len(msgs)))
	}

	return errors.Join(errs...)
}

func (p *Publisher) message(rec packet.Record) (*sarama.ProducerMessage, error) {
	event, err := packet.NewCloudEvent(rec, "tracestream/"+rec.SessionID)
	if err != nil {
		return nil, err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CloudEvent: %w", err)
	}

	headers := packet.KafkaHeaders(event)
	recordHeaders := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	return &sarama.ProducerMessage{
		Topic:     p.topics.For(rec.Kind),
		Key:       sarama.StringEncoder(rec.SessionID + "/" + rec.Kind.String()),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders,
		Timestamp: rec.GetEventTime(),
		Metadata:  rec.Kind,
	}, nil
}

func (p *Publisher) failed(topic string, kind packet.Kind) {
	if p.metrics != nil {
		p.metrics.IncPublishFailed(topic, kind.String())
	}
}

// Close closes the producer. It is safe to call twice.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	p.logger.Info("Kafka publisher closed")
	return nil
}
