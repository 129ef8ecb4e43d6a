package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchapp "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/logging"
)

type fakeOrders struct {
	order   *domain.Order
	history []domain.Event
	err     error
	got     orchapp.CreateOrderRequest
	reason  string
}

func (f *fakeOrders) CreateOrder(_ context.Context, req orchapp.CreateOrderRequest) (*domain.Order, error) {
	f.got = req
	return f.order, f.err
}

func (f *fakeOrders) RetryOrderProcessing(context.Context, string) (*domain.Order, error) {
	return f.order, f.err
}

func (f *fakeOrders) CancelOrder(_ context.Context, _ string, reason string) (*domain.Order, error) {
	f.reason = reason
	return f.order, f.err
}

func (f *fakeOrders) Order(_ context.Context, id string) (*domain.Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return f.order, nil
}

func (f *fakeOrders) History(context.Context, string) ([]domain.Event, error) {
	return f.history, f.err
}

func placed(t *testing.T) *domain.Order {
	t.Helper()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	o, err := domain.New("O1", "C1", []domain.Item{{ProductID: "P1", Quantity: 2, PriceCents: 500}}, "card",
		domain.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	return o
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrder(t *testing.T) {
	orders := &fakeOrders{order: placed(t)}
	h := NewHandler(logging.Discard(), orders).Routes()

	rec := do(t, h, http.MethodPost, "/orders",
		`{"id":"O1","customer_id":"C1","payment_method":"card","items":[{"product_id":"P1","quantity":2,"price_cents":500}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "O1", orders.got.OrderID)
	assert.Equal(t, []domain.Item{{ProductID: "P1", Quantity: 2, PriceCents: 500}}, orders.got.Items)

	var v orderView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, domain.StatusPending, v.Status)
	assert.Equal(t, int64(1000), v.TotalCents)
	assert.Nil(t, v.CompletedAt)
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	h := NewHandler(logging.Discard(), &fakeOrders{}).Routes()
	rec := do(t, h, http.MethodPost, "/orders", `{"items":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   int
		status string
	}{
		{fmt.Errorf("%w: no items", apperr.ErrValidation), http.StatusBadRequest, "invalid"},
		{fmt.Errorf("%w: P1", apperr.ErrInsufficientInventory), http.StatusConflict, "insufficient_inventory"},
		{&orchapp.StepError{Step: "process_payment", Err: apperr.ErrPaymentDeclined}, http.StatusPaymentRequired, "payment_declined"},
		{fmt.Errorf("payment: %w", apperr.ErrReconciliationRequired), http.StatusAccepted, "processing"},
		{apperr.Transient(errors.New("db down")), http.StatusAccepted, "processing"},
		{apperr.ErrInvalidTransition, http.StatusConflict, "conflict"},
		{errors.New("bug"), http.StatusInternalServerError, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			orders := &fakeOrders{order: placed(t), err: tc.err}
			h := NewHandler(logging.Discard(), orders).Routes()

			rec := do(t, h, http.MethodPost, "/orders", `{"customer_id":"C1"}`)
			require.Equal(t, tc.code, rec.Code)

			var v errorView
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
			assert.Equal(t, tc.status, v.Status)
			require.NotNil(t, v.Order)
			assert.Equal(t, "O1", v.Order.ID)
		})
	}
}

func TestGetOrderAndEvents(t *testing.T) {
	o := placed(t)
	orders := &fakeOrders{order: o, history: o.Uncommitted()}
	h := NewHandler(logging.Discard(), orders).Routes()

	rec := do(t, h, http.MethodGet, "/orders/O1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/orders/O1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []eventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindCreated, events[0].Kind)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Contains(t, string(events[0].Data), `"customer_id":"C1"`)
}

func TestCancelAndRetry(t *testing.T) {
	o := placed(t)
	require.NoError(t, o.Cancel("changed mind"))
	orders := &fakeOrders{order: o}
	h := NewHandler(logging.Discard(), orders).Routes()

	rec := do(t, h, http.MethodPost, "/orders/O1/cancel", `{"reason":"changed mind"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "changed mind", orders.reason)
	var v orderView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, domain.StatusCancelled, v.Status)
	assert.NotNil(t, v.CancelledAt)

	rec = do(t, h, http.MethodPost, "/orders/O1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	orders.err = apperr.ErrInvalidTransition
	rec = do(t, h, http.MethodPost, "/orders/O1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
