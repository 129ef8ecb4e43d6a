// Package kafka feeds order requests from a topic into the order saga.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/idempotency"
	"github.com/dmehra2102/orderflow/pkg/retry"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

// OrderRequest is the wire form of a request to place an order.
type OrderRequest struct {
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	PaymentMethod string `json:"payment_method"`
	Items         []struct {
		ProductID  string `json:"product_id"`
		Quantity   int    `json:"quantity"`
		PriceCents int64  `json:"price_cents"`
	} `json:"items"`
}

type Orders interface {
	CreateOrder(ctx context.Context, req application.CreateOrderRequest) (*orderdomain.Order, error)
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
	log    *slog.Logger
	reader Reader
	orders Orders
	idem   Deduplicator
	policy retry.Policy
	tracer trace.Tracer
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

// NewConsumer builds a consumer whose policy paces redelivery of a message that failed
// transiently. Its attempt and elapsed bounds are ignored: an unsettled message is handed
// back to the handler until it settles or ctx ends, and its offset is not committed before.
func NewConsumer(log *slog.Logger, reader Reader, orders Orders, idem Deduplicator, policy retry.Policy) *Consumer {
	return &Consumer{
		log:    log,
		reader: reader,
		orders: orders,
		idem:   idem,
		policy: policy.Unbounded().WithRetryable(func(err error) bool { return !settled(err) }),
		tracer: tracing.Tracer(),
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
			if err != nil && !settled(err) && ctx.Err() == nil {
				c.log.Error("order request failed, redelivering", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
			}
			return err
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && !settled(err):
			return err
		case err != nil:
			c.log.Warn("order request rejected", "offset", msg.Offset, "err", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

// settled reports whether a message that ended in err must not be delivered again.
func settled(err error) bool {
	return apperr.IsBusiness(err) || errors.Is(err, apperr.ErrReconciliationRequired)
}

// handle places the order carried by msg once. Business rejections and undetermined
// outcomes are terminal for the message: the saga record carries them from here.
// Any other error leaves the message to be delivered again.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	key := "order-request:" + idempotency.MessageKey(msg)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		// an order id makes the request idempotent on its own
		c.log.Warn("idempotency check failed", "key", key, "err", err)
	}
	if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderRequest")
	defer span.End()

	req, err := decode(msg.Value)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID))

	_, err = c.orders.CreateOrder(msgCtx, req)
	switch {
	case err == nil:
		c.log.Info("order request processed", "order_id", req.OrderID)
		return nil
	case settled(err):
		c.log.Info("order request settled", "order_id", req.OrderID, "outcome", err)
		return nil
	}
	span.RecordError(err)
	if ferr := c.idem.Forget(context.WithoutCancel(ctx), key); ferr != nil {
		c.log.Warn("idempotency reset failed", "key", key, "err", ferr)
	}
	return err
}

func decode(raw []byte) (application.CreateOrderRequest, error) {
	var in OrderRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return application.CreateOrderRequest{}, fmt.Errorf("%w: decode order request: %v", apperr.ErrValidation, err)
	}
	req := application.CreateOrderRequest{
		OrderID:       strings.TrimSpace(in.OrderID),
		CustomerID:    in.CustomerID,
		PaymentMethod: in.PaymentMethod,
	}
	for _, it := range in.Items {
		req.Items = append(req.Items, orderdomain.Item{ProductID: it.ProductID, Quantity: it.Quantity, PriceCents: it.PriceCents})
	}
	return req, nil
}
