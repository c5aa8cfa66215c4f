package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type publishCall struct {
	owner     string
	eventType string
	payload   json.RawMessage
	evCtx     domain.EventContext
	traceID   trace.TraceID
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (p *fakePublisher) PublishForTenant(ctx context.Context, ownerID, eventType string, payload json.RawMessage, evCtx domain.EventContext) ([]engine.Ticket, error) {
	p.calls = append(p.calls, publishCall{
		owner:     ownerID,
		eventType: eventType,
		payload:   payload,
		evCtx:     evCtx,
		traceID:   trace.SpanContextFromContext(ctx).TraceID(),
	})
	if p.err != nil {
		return nil, p.err
	}
	return []engine.Ticket{{SubscriptionID: "s1", EventID: "e1", Status: engine.TicketQueued}}, nil
}

func newTestConsumer(p Publisher) *Consumer {
	return &Consumer{
		topic:     "webhook.events",
		publisher: p,
		tracer:    noop.NewTracerProvider().Tracer("test"),
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"event_type":"order.created","payload":{"orderId":"O1"},"context":{"region":"eu"},"tenant_id":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, "order.created", msg.EventType)
	assert.JSONEq(t, `{"orderId":"O1"}`, string(msg.Payload))
	assert.Equal(t, "eu", msg.Context["region"])
	assert.Equal(t, "t1", msg.TenantID)
}

func TestDecodeRejectsIncompleteMessages(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not json", `nope`},
		{"missing event type", `{"payload":{}}`},
		{"missing payload", `{"event_type":"order.created"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.value))
			assert.Error(t, err)
		})
	}
}

func TestHandlePublishesForTenant(t *testing.T) {
	p := &fakePublisher{}
	c := newTestConsumer(p)
	before := testutil.ToFloat64(metrics.KafkaMessagesTotal.WithLabelValues("webhook.events", StatusPublished))

	status := c.handle(context.Background(), kafka.Message{
		Topic: "webhook.events",
		Value: []byte(`{"event_type":"order.created","payload":{"orderId":"O1"},"tenant_id":"t1"}`),
	})

	assert.Equal(t, StatusPublished, status)
	require.Len(t, p.calls, 1)
	assert.Equal(t, "t1", p.calls[0].owner)
	assert.Equal(t, "order.created", p.calls[0].eventType)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.KafkaMessagesTotal.WithLabelValues("webhook.events", StatusPublished)))
}

func TestHandleSkipsMalformedMessage(t *testing.T) {
	p := &fakePublisher{}
	c := newTestConsumer(p)

	status := c.handle(context.Background(), kafka.Message{Value: []byte(`{`)})

	assert.Equal(t, StatusInvalid, status)
	assert.Empty(t, p.calls)
}

func TestHandleClassifiesPublishErrors(t *testing.T) {
	p := &fakePublisher{err: domain.ErrInvalidEventType}
	c := newTestConsumer(p)
	msg := kafka.Message{Value: []byte(`{"event_type":"bad type","payload":{}}`)}

	assert.Equal(t, StatusRejected, c.handle(context.Background(), msg))

	p.err = errors.New("store down")
	assert.Equal(t, StatusFailed, c.handle(context.Background(), msg))
}

func TestHeaderCarrier(t *testing.T) {
	headers := []kafka.Header{{Key: "traceparent", Value: []byte("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")}}
	carrier := headerCarrier{headers: &headers}

	ctx := propagation.TraceContext{}.Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())

	carrier.Set("tenant", "t1")
	assert.Equal(t, "t1", carrier.Get("tenant"))
	assert.ElementsMatch(t, []string{"traceparent", "tenant"}, carrier.Keys())
}
