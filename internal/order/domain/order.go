package domain

import (
	"fmt"
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type Status string

const (
	StatusPending                    Status = "pending"
	StatusInventoryReserved          Status = "inventory_reserved"
	StatusInventoryReservationFailed Status = "inventory_reservation_failed"
	StatusPaymentApproved            Status = "payment_approved"
	StatusPaymentFailed              Status = "payment_failed"
	StatusCompleted                  Status = "completed"
	StatusCancelled                  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const (
	PaymentStatusPending  = "pending"
	PaymentStatusApproved = "approved"
	PaymentStatusDeclined = "declined"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

const (
	InventoryStatusPending   = "pending"
	InventoryStatusReserved  = "reserved"
	InventoryStatusFailed    = "failed"
	InventoryStatusConfirmed = "confirmed"
	InventoryStatusReleased  = "released"
)

type Item struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

func (i Item) LineCents() int64 {
	return int64(i.Quantity) * i.PriceCents
}

// Order is the projection of an order's event history. It is only ever changed by
// applying events, raised by its own business methods or replayed from the store.
type Order struct {
	ID              string
	CustomerID      string
	Items           []Item
	TotalCents      int64
	PaymentMethod   string
	Status          Status
	PaymentStatus   string
	InventoryStatus string
	ReservationID   string
	TransactionID   string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     time.Time
	CancelledAt     time.Time
	// Version counts applied events, committed or not.
	Version int64

	uncommitted []Event
	clock       func() time.Time
}

type Option func(*Order)

// WithClock overrides the time source used to stamp raised events.
func WithClock(now func() time.Time) Option {
	return func(o *Order) { o.clock = now }
}

func New(id, customerID string, items []Item, paymentMethod string, opts ...Option) (*Order, error) {
	if err := Validate(id, customerID, items); err != nil {
		return nil, err
	}
	o := &Order{}
	for _, opt := range opts {
		opt(o)
	}
	var total int64
	for _, it := range items {
		total += it.LineCents()
	}
	o.raise(Created{
		EventMeta:     EventMeta{OrderID: id},
		CustomerID:    customerID,
		Items:         append([]Item(nil), items...),
		TotalCents:    total,
		PaymentMethod: paymentMethod,
	})
	return o, nil
}

func Validate(id, customerID string, items []Item) error {
	if id == "" {
		return fmt.Errorf("%w: order id is required", apperr.ErrValidation)
	}
	if customerID == "" {
		return fmt.Errorf("%w: customer id is required", apperr.ErrValidation)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", apperr.ErrValidation)
	}
	for i, it := range items {
		switch {
		case it.ProductID == "":
			return fmt.Errorf("%w: item %d: product id is required", apperr.ErrValidation, i)
		case it.Quantity <= 0:
			return fmt.Errorf("%w: item %d: quantity must be positive", apperr.ErrValidation, i)
		case it.PriceCents <= 0:
			return fmt.Errorf("%w: item %d: price must be positive", apperr.ErrValidation, i)
		}
	}
	return nil
}

// FromEvents folds a stored history into an order. The first event must be Created
// and versions must run consecutively from 1.
func FromEvents(events []Event, opts ...Option) (*Order, error) {
	if len(events) == 0 {
		return nil, apperr.ErrNotFound
	}
	if events[0].Kind() != KindCreated {
		return nil, fmt.Errorf("%w: history starts with %s", apperr.ErrValidation, events[0].Kind())
	}
	o := &Order{}
	for _, opt := range opts {
		opt(o)
	}
	for _, e := range events {
		if err := o.Apply(e); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Apply folds one event into the projection and advances Version. It performs no I/O
// and does not re-check business rules: the event is already a fact.
func (o *Order) Apply(e Event) error {
	m := e.Meta()
	if m.Version != o.Version+1 {
		return fmt.Errorf("%w: event version %d does not follow %d", apperr.ErrValidation, m.Version, o.Version)
	}
	if o.ID != "" && m.OrderID != o.ID {
		return fmt.Errorf("%w: event for %s applied to %s", apperr.ErrValidation, m.OrderID, o.ID)
	}
	e.Accept(applier{o})
	o.Version = m.Version
	o.UpdatedAt = m.OccurredAt
	return nil
}

func (o *Order) ReserveInventory(reservationID string, expiresAt time.Time) error {
	if o.Status != StatusPending {
		return o.transitionError("reserve inventory")
	}
	o.raise(InventoryReserved{ReservationID: reservationID, ExpiresAt: expiresAt})
	return nil
}

func (o *Order) FailInventoryReservation(reason string) error {
	if o.Status != StatusPending {
		return o.transitionError("fail inventory reservation")
	}
	o.raise(InventoryReservationFailed{Reason: reason})
	return nil
}

// ProcessPayment records a definite gateway answer, approved or declined.
func (o *Order) ProcessPayment(transactionID string, amountCents int64, approved bool, declineCode string) error {
	if o.Status != StatusInventoryReserved {
		return o.transitionError("process payment")
	}
	o.raise(PaymentProcessed{
		TransactionID: transactionID,
		AmountCents:   amountCents,
		Approved:      approved,
		DeclineCode:   declineCode,
	})
	return nil
}

func (o *Order) FailPayment(reason, declineCode string) error {
	if o.Status != StatusInventoryReserved {
		return o.transitionError("fail payment")
	}
	o.raise(PaymentFailed{Reason: reason, DeclineCode: declineCode})
	return nil
}

func (o *Order) Complete() error {
	if o.Status != StatusPaymentApproved {
		return o.transitionError("complete")
	}
	o.raise(Completed{})
	return nil
}

func (o *Order) Cancel(reason string) error {
	if o.Status.Terminal() {
		return o.transitionError("cancel")
	}
	o.raise(Cancelled{Reason: reason})
	return nil
}

// Uncommitted returns events raised since the last MarkCommitted.
func (o *Order) Uncommitted() []Event {
	return append([]Event(nil), o.uncommitted...)
}

// MarkCommitted clears the buffer once the store has durably appended it.
func (o *Order) MarkCommitted() {
	o.uncommitted = nil
}

// ExpectedVersion is the stored version the uncommitted events must be appended after.
func (o *Order) ExpectedVersion() int64 {
	return o.Version - int64(len(o.uncommitted))
}

func (o *Order) transitionError(op string) error {
	return fmt.Errorf("%w: cannot %s order %s in status %s", apperr.ErrInvalidTransition, op, o.ID, o.Status)
}

func (o *Order) raise(e Event) {
	id := o.ID
	if id == "" {
		id = e.Meta().OrderID
	}
	e = e.WithMeta(EventMeta{OrderID: id, Version: o.Version + 1, OccurredAt: o.now()})
	// raised events always follow the current version
	_ = o.Apply(e)
	o.uncommitted = append(o.uncommitted, e)
}

func (o *Order) now() time.Time {
	if o.clock != nil {
		return o.clock().UTC()
	}
	return time.Now().UTC()
}

type applier struct{ o *Order }

func (a applier) VisitCreated(e Created) {
	o := a.o
	o.ID = e.OrderID
	o.CustomerID = e.CustomerID
	o.Items = append([]Item(nil), e.Items...)
	o.TotalCents = 0
	for _, it := range o.Items {
		o.TotalCents += it.LineCents()
	}
	o.PaymentMethod = e.PaymentMethod
	o.Status = StatusPending
	o.PaymentStatus = PaymentStatusPending
	o.InventoryStatus = InventoryStatusPending
	o.CreatedAt = e.OccurredAt
}

func (a applier) VisitInventoryReserved(e InventoryReserved) {
	a.o.Status = StatusInventoryReserved
	a.o.InventoryStatus = InventoryStatusReserved
	a.o.ReservationID = e.ReservationID
}

func (a applier) VisitInventoryReservationFailed(e InventoryReservationFailed) {
	a.o.Status = StatusInventoryReservationFailed
	a.o.InventoryStatus = InventoryStatusFailed
	a.o.FailureReason = e.Reason
}

func (a applier) VisitPaymentProcessed(e PaymentProcessed) {
	a.o.TransactionID = e.TransactionID
	if e.Approved {
		a.o.Status = StatusPaymentApproved
		a.o.PaymentStatus = PaymentStatusApproved
		return
	}
	a.o.Status = StatusPaymentFailed
	a.o.PaymentStatus = PaymentStatusDeclined
	a.o.FailureReason = "payment declined: " + e.DeclineCode
}

func (a applier) VisitPaymentFailed(e PaymentFailed) {
	a.o.Status = StatusPaymentFailed
	a.o.PaymentStatus = PaymentStatusFailed
	a.o.FailureReason = e.Reason
}

func (a applier) VisitCompleted(e Completed) {
	a.o.Status = StatusCompleted
	a.o.InventoryStatus = InventoryStatusConfirmed
	a.o.CompletedAt = e.OccurredAt
}

func (a applier) VisitCancelled(e Cancelled) {
	o := a.o
	o.Status = StatusCancelled
	o.CancelledAt = e.OccurredAt
	if o.InventoryStatus == InventoryStatusReserved {
		o.InventoryStatus = InventoryStatusReleased
	}
	if o.PaymentStatus == PaymentStatusApproved {
		o.PaymentStatus = PaymentStatusRefunded
	}
	if e.Reason != "" {
		o.FailureReason = e.Reason
	}
}
