package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/retry"
)

type fakeOrders struct {
	mu    sync.Mutex
	calls []application.CreateOrderRequest
	errs  []error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req application.CreateOrderRequest) (*orderdomain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &orderdomain.Order{ID: req.OrderID, Status: orderdomain.StatusCompleted}, nil
}

type fakeDedup struct {
	seen      map[string]bool
	forgotten []string
}

func (d *fakeDedup) Seen(_ context.Context, key string) (bool, error) {
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func (d *fakeDedup) Forget(_ context.Context, key string) error {
	delete(d.seen, key)
	d.forgotten = append(d.forgotten, key)
	return nil
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

const body = `{"order_id":"O1","customer_id":"C1","payment_method":"card","items":[{"product_id":"P1","quantity":2,"price_cents":500}]}`

func newConsumer(orders *fakeOrders, dedup *fakeDedup, reader Reader) *Consumer {
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond}
	return NewConsumer(logging.Discard(), reader, orders, dedup, policy)
}

func TestHandleDecodesAndDeduplicates(t *testing.T) {
	orders := &fakeOrders{}
	dedup := &fakeDedup{seen: map[string]bool{}}
	c := newConsumer(orders, dedup, &fakeReader{})

	msg := kafka.Message{
		Topic:   "order.requests",
		Offset:  7,
		Value:   []byte(body),
		Headers: []kafka.Header{{Key: outbox.HeaderIdempotencyKey, Value: []byte("req-1")}},
	}
	require.NoError(t, c.handle(context.Background(), msg))
	// redelivered at another offset with the same key
	msg.Offset = 9
	require.NoError(t, c.handle(context.Background(), msg))

	require.Len(t, orders.calls, 1)
	req := orders.calls[0]
	assert.Equal(t, "O1", req.OrderID)
	assert.Equal(t, "C1", req.CustomerID)
	assert.Equal(t, []orderdomain.Item{{ProductID: "P1", Quantity: 2, PriceCents: 500}}, req.Items)
}

func TestHandleSettlesBusinessOutcomes(t *testing.T) {
	orders := &fakeOrders{errs: []error{apperr.ErrInsufficientInventory}}
	dedup := &fakeDedup{seen: map[string]bool{}}
	c := newConsumer(orders, dedup, &fakeReader{})

	require.NoError(t, c.handle(context.Background(), kafka.Message{Value: []byte(body)}))
	assert.Len(t, orders.calls, 1)
	assert.Empty(t, dedup.forgotten)
}

func TestHandleForgetsTransientFailure(t *testing.T) {
	orders := &fakeOrders{errs: []error{apperr.Transient(errors.New("event store down"))}}
	dedup := &fakeDedup{seen: map[string]bool{}}
	c := newConsumer(orders, dedup, &fakeReader{})

	err := c.handle(context.Background(), kafka.Message{Topic: "t", Offset: 3, Value: []byte(body)})
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.Len(t, orders.calls, 1)
	assert.Equal(t, []string{"order-request:t:0:3"}, dedup.forgotten)
}

func TestHandleRejectsMalformedMessage(t *testing.T) {
	orders := &fakeOrders{}
	c := newConsumer(orders, &fakeDedup{seen: map[string]bool{}}, &fakeReader{})

	err := c.handle(context.Background(), kafka.Message{Value: []byte("{not json")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, orders.calls)
}

func TestRunRedeliversTransientFailureBeforeCommitting(t *testing.T) {
	flaky := apperr.Transient(errors.New("event store down"))
	orders := &fakeOrders{errs: []error{flaky, flaky}}
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "t", Offset: 1, Value: []byte(body)},
		{Topic: "t", Offset: 2, Value: []byte("garbage")},
	}}
	c := newConsumer(orders, &fakeDedup{seen: map[string]bool{}}, reader)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	require.Len(t, orders.calls, 3)
	for _, req := range orders.calls {
		assert.Equal(t, "O1", req.OrderID)
	}
	// the malformed message is settled; the first one only once it went through
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

func TestRunLeavesOffsetUncommittedWhileFailing(t *testing.T) {
	down := apperr.Transient(errors.New("event store down"))
	orders := &fakeOrders{errs: []error{down, down, down, down, down, down, down, down, down, down}}
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "t", Offset: 1, Value: []byte(body)},
		{Topic: "t", Offset: 2, Value: []byte(body)},
	}}
	c := newConsumer(orders, &fakeDedup{seen: map[string]bool{}}, reader)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	assert.Empty(t, reader.committed)
	assert.Len(t, reader.msgs, 1, "nothing behind the failing message is fetched")
}
