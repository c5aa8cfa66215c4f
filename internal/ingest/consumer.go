// Package ingest feeds business events published on Kafka into the
// dispatcher.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/tracing"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Message statuses recorded in metrics.
const (
	StatusPublished = "published"
	StatusInvalid   = "invalid"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// Publisher is the dispatcher entry point used for consumed events.
type Publisher interface {
	PublishForTenant(ctx context.Context, ownerID, eventType string, payload json.RawMessage, evCtx domain.EventContext) ([]engine.Ticket, error)
}

// Message is the value of a record on the events topic. An empty TenantID
// publishes to every tenant.
type Message struct {
	EventType string              `json:"event_type"`
	Payload   json.RawMessage     `json:"payload"`
	Context   domain.EventContext `json:"context,omitempty"`
	TenantID  string              `json:"tenant_id,omitempty"`
}

// Decode parses a record value.
func Decode(value []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if msg.EventType == "" {
		return Message{}, fmt.Errorf("%w: missing event_type", domain.ErrValidation)
	}
	if len(msg.Payload) == 0 {
		return Message{}, fmt.Errorf("%w: missing payload", domain.ErrValidation)
	}
	return msg, nil
}

type Consumer struct {
	reader    *kafka.Reader
	topic     string
	publisher Publisher
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, p Publisher, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MaxBytes: 10e6, // 10MB
		}),
		topic:     topic,
		publisher: p,
		tracer:    tracing.Tracer(),
		logger:    logger,
	}
}

// Run reads messages until ctx is cancelled. Offsets are committed by the
// consumer group as messages are read, so a message that cannot be
// published is logged and skipped rather than redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started", "topic", c.topic, "group_id", c.reader.Config().GroupID)

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped", "topic", c.topic)
				return nil
			}
			metrics.KafkaMessagesTotal.WithLabelValues(c.topic, StatusFailed).Inc()
			return fmt.Errorf("reading from kafka: %w", err)
		}
		c.handle(ctx, m)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) string {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &m.Headers})
	ctx, span := c.tracer.Start(ctx, "ingest.message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		),
	)
	defer span.End()

	status := c.publish(ctx, m)
	metrics.KafkaMessagesTotal.WithLabelValues(c.topic, status).Inc()
	return status
}

func (c *Consumer) publish(ctx context.Context, m kafka.Message) string {
	msg, err := Decode(m.Value)
	if err != nil {
		c.logger.Warn("dropping malformed event message",
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
		return StatusInvalid
	}

	tickets, err := c.publisher.PublishForTenant(ctx, msg.TenantID, msg.EventType, msg.Payload, msg.Context)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEventType) || errors.Is(err, domain.ErrInvalidPayload) {
			c.logger.Warn("event rejected", "event_type", msg.EventType, "offset", m.Offset, "error", err)
			return StatusRejected
		}
		c.logger.Error("failed to publish event", "event_type", msg.EventType, "offset", m.Offset, "error", err)
		return StatusFailed
	}

	c.logger.Debug("event consumed",
		"event_type", msg.EventType,
		"tenant_id", msg.TenantID,
		"subscriptions", len(tickets),
	)
	return StatusPublished
}

// headerCarrier adapts Kafka record headers to the otel propagator.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
