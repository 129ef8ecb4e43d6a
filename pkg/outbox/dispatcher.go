package outbox

import (
	"context"
	"log/slog"

	"github.com/dmehra2102/orderflow/pkg/tracing"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType      = "event_type"
	HeaderIdempotencyKey = "idempotency_key"
	HeaderAggregateType  = "aggregate_type"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink receives committed notifications. Dispatcher publishes them to Kafka; Recorder keeps them in memory.
type Sink interface {
	Publish(ctx context.Context, events ...Event) error
}

type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic}
}

func (d *Dispatcher) Message(ctx context.Context, event Event) kafka.Message {
	headers := make([]kafka.Header, 0, len(event.Headers)+4)
	for k, v := range event.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(event.Type)},
		kafka.Header{Key: HeaderAggregateType, Value: []byte(event.AggregateType)},
	)
	if event.Key != "" {
		headers = append(headers, kafka.Header{Key: HeaderIdempotencyKey, Value: []byte(event.Key)})
	}
	headers = tracing.InjectKafkaHeaders(tracing.WithTraceparent(ctx, event.Traceparent), headers)

	return kafka.Message{
		Topic:   d.topic,
		Key:     []byte(event.AggregateID),
		Value:   event.Payload,
		Headers: headers,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if err := d.producer.WriteMessages(ctx, d.Message(ctx, event)); err != nil {
		d.log.Error("outbox dispatch failed", "event_id", event.ID, "key", event.Key, "err", err)
		return err
	}
	d.log.Debug("outbox dispatched", "event_id", event.ID, "type", event.Type, "key", event.Key)
	return nil
}

func (d *Dispatcher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, d.Message(ctx, e))
	}
	if err := d.producer.WriteMessages(ctx, msgs...); err != nil {
		d.log.Error("outbox publish failed", "count", len(events), "err", err)
		return err
	}
	return nil
}
