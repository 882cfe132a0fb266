package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/research-orchestrator/internal/domain"
	"github.com/helixir/research-orchestrator/internal/observability"
)

// Publisher delivers events to the event stream.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
	Close() error
}

// NoopPublisher discards events. It is used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *domain.Event) error { return nil }
func (NoopPublisher) Close() error                                 { return nil }

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds configuration for the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// KafkaPublisher writes events to a Kafka topic keyed by project ID, so
// events of one project stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a KafkaPublisher.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              batchSize,
			BatchTimeout:           batchTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
		topic: cfg.Topic,
	}
}

// Publish writes one event.
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.ProjectID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
		Time: event.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Bus builds and publishes task events. Publish failures are logged and
// counted, never returned.
type Bus struct {
	emitter   *Emitter
	publisher Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewBus creates a Bus. A nil publisher discards events.
func NewBus(emitter *Emitter, publisher Publisher, metrics *observability.Metrics, logger zerolog.Logger) *Bus {
	if emitter == nil {
		emitter = NewEmitter(EmitterConfig{})
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Bus{
		emitter:   emitter,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With().Str("component", "event_bus").Logger(),
	}
}

// Emit publishes an event about task. A nil Bus is a no-op.
func (b *Bus) Emit(ctx context.Context, eventType string, task *domain.Task, payload any) {
	if b == nil {
		return
	}
	event, err := b.emitter.Emit(ctx, EmitParams{Task: task, EventType: eventType, Payload: payload})
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to build event")
		return
	}

	err = b.publisher.Publish(ctx, event)
	b.metrics.RecordEventPublished(eventType, err)
	if err != nil {
		b.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("task_id", event.AggregateID).
			Msg("failed to publish event")
	}
}

// Close closes the underlying publisher.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.publisher.Close()
}
