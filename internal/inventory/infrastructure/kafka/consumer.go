// Package kafka listens to order notifications so stock held for an order that was
// cancelled elsewhere is returned without waiting for the expiry sweep.
package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/idempotency"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/retry"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

type Reservations interface {
	ReservationForOrder(ctx context.Context, orderID string) (*domain.Reservation, error)
	Release(ctx context.Context, req application.ReleaseRequest) (*domain.Reservation, error)
}

type Deduplicator interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	log          *slog.Logger
	reader       Reader
	reservations Reservations
	idem         Deduplicator
	policy       retry.Policy
	tracer       trace.Tracer
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

// NewConsumer builds a consumer whose policy paces redelivery of an event that could
// not be applied. The event is retried until it goes through or ctx ends; its offset is
// only committed after that.
func NewConsumer(log *slog.Logger, reader Reader, reservations Reservations, idem Deduplicator, policy retry.Policy) *Consumer {
	return &Consumer{
		log:          log,
		reader:       reader,
		reservations: reservations,
		idem:         idem,
		policy:       policy.Unbounded().WithRetryable(func(err error) bool { return !apperr.IsBusiness(err) }),
		tracer:       tracing.Tracer(),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
			err := c.handle(ctx, msg)
			if err != nil && !apperr.IsBusiness(err) && ctx.Err() == nil {
				c.log.Error("order event failed, redelivering", "offset", msg.Offset, "err", err)
			}
			return err
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && !apperr.IsBusiness(err):
			return err
		case err != nil:
			c.log.Warn("order event rejected", "offset", msg.Offset, "err", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	if header(msg.Headers, outbox.HeaderEventType) != string(orderdomain.KindCancelled) {
		return nil
	}
	orderID := string(msg.Key)
	key := "inventory:" + idempotency.MessageKey(msg)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		c.log.Warn("idempotency check failed", "key", key, "err", err)
	}
	if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderCancelled")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	r, err := c.reservations.ReservationForOrder(msgCtx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err == nil && !r.Status.Active() {
		return nil
	}
	if err == nil {
		_, err = c.reservations.Release(msgCtx, application.ReleaseRequest{ReservationID: r.ID, Reason: "order cancelled"})
	}
	if err != nil {
		span.RecordError(err)
		if ferr := c.idem.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			c.log.Warn("idempotency reset failed", "key", key, "err", ferr)
		}
		return err
	}
	c.log.Info("released stock for cancelled order", "order_id", orderID, "reservation_id", r.ID)
	return nil
}

func header(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
