package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	orchapp "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

type Orders interface {
	CreateOrder(ctx context.Context, req orchapp.CreateOrderRequest) (*domain.Order, error)
	RetryOrderProcessing(ctx context.Context, orderID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error)
	Order(ctx context.Context, orderID string) (*domain.Order, error)
	History(ctx context.Context, orderID string) ([]domain.Event, error)
}

type Handler struct {
	log    *slog.Logger
	orders Orders
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, orders Orders) *Handler {
	return &Handler{
		log:    log,
		orders: orders,
		tracer: tracing.Tracer(),
	}
}

type createOrderReq struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	Items         []domain.Item `json:"items"`
	PaymentMethod string        `json:"payment_method"`
}

type cancelOrderReq struct {
	Reason string `json:"reason"`
}

type orderView struct {
	ID              string        `json:"id"`
	CustomerID      string        `json:"customer_id"`
	Status          domain.Status `json:"status"`
	PaymentStatus   string        `json:"payment_status"`
	InventoryStatus string        `json:"inventory_status"`
	Items           []domain.Item `json:"items"`
	TotalCents      int64         `json:"total_cents"`
	PaymentMethod   string        `json:"payment_method"`
	ReservationID   string        `json:"reservation_id,omitempty"`
	TransactionID   string        `json:"transaction_id,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
}

type eventView struct {
	Kind       domain.Kind     `json:"kind"`
	Version    int64           `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type errorView struct {
	Status string     `json:"status"`
	Error  string     `json:"error"`
	Order  *orderView `json:"order,omitempty"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.traced)

	r.Post("/orders", h.createOrder)
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Get("/events", h.getEvents)
		r.Post("/retry", h.retryOrder)
		r.Post("/cancel", h.cancelOrder)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	return r
}

// traced continues the caller's trace when the request carries a traceparent.
func (h *Handler) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, span, nil, apperr.ErrValidation)
		return
	}

	o, err := h.orders.CreateOrder(ctx, orchapp.CreateOrderRequest{
		OrderID:       req.ID,
		CustomerID:    req.CustomerID,
		Items:         req.Items,
		PaymentMethod: req.PaymentMethod,
	})
	if o != nil {
		span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("order.status", string(o.Status)))
	}
	if err != nil {
		h.writeError(w, span, o, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(o))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	o, err := h.orders.Order(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, span, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, view(o))
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrderEvents")
	defer span.End()

	events, err := h.orders.History(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, span, nil, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		data, err := domain.Marshal(e)
		if err != nil {
			h.writeError(w, span, nil, err)
			return
		}
		m := e.Meta()
		out = append(out, eventView{Kind: e.Kind(), Version: m.Version, OccurredAt: m.OccurredAt, Data: data})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) retryOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RetryOrder")
	defer span.End()

	o, err := h.orders.RetryOrderProcessing(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, span, o, err)
		return
	}
	writeJSON(w, http.StatusOK, view(o))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	var req cancelOrderReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, span, nil, apperr.ErrValidation)
			return
		}
	}
	o, err := h.orders.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, span, o, err)
		return
	}
	writeJSON(w, http.StatusOK, view(o))
}

// writeError maps the error taxonomy onto HTTP. Outcomes that are still being worked
// out are reported as accepted so the client polls instead of retrying the request.
func (h *Handler) writeError(w http.ResponseWriter, span trace.Span, o *domain.Order, err error) {
	code, status := statusOf(err)
	if code >= http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Error("request failed", "err", err)
	}
	body := errorView{Status: status, Error: err.Error()}
	if o != nil {
		v := view(o)
		body.Order = &v
	}
	writeJSON(w, code, body)
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrReconciliationRequired), apperr.IsTransient(err):
		return http.StatusAccepted, "processing"
	case errors.Is(err, apperr.ErrInsufficientInventory):
		return http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, apperr.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func view(o *domain.Order) orderView {
	v := orderView{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		Status:          o.Status,
		PaymentStatus:   o.PaymentStatus,
		InventoryStatus: o.InventoryStatus,
		Items:           o.Items,
		TotalCents:      o.TotalCents,
		PaymentMethod:   o.PaymentMethod,
		ReservationID:   o.ReservationID,
		TransactionID:   o.TransactionID,
		FailureReason:   o.FailureReason,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if !o.CompletedAt.IsZero() {
		v.CompletedAt = &o.CompletedAt
	}
	if !o.CancelledAt.IsZero() {
		v.CancelledAt = &o.CancelledAt
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
