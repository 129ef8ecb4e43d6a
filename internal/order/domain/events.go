package domain

import "time"

type Kind string

const (
	KindCreated                    Kind = "OrderCreated"
	KindInventoryReserved          Kind = "InventoryReserved"
	KindInventoryReservationFailed Kind = "InventoryReservationFailed"
	KindPaymentProcessed           Kind = "PaymentProcessed"
	KindPaymentFailed              Kind = "PaymentFailed"
	KindCompleted                  Kind = "OrderCompleted"
	KindCancelled                  Kind = "OrderCancelled"
)

// EventMeta is carried by every order event.
type EventMeta struct {
	OrderID    string    `json:"order_id"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (m EventMeta) Meta() EventMeta { return m }

// Event is the closed set of facts about an order. Only types in this package implement it,
// and Visitor has one method per kind so adding a kind breaks every matcher until handled.
type Event interface {
	Kind() Kind
	Meta() EventMeta
	WithMeta(EventMeta) Event
	Accept(Visitor)
	event()
}

type Visitor interface {
	VisitCreated(Created)
	VisitInventoryReserved(InventoryReserved)
	VisitInventoryReservationFailed(InventoryReservationFailed)
	VisitPaymentProcessed(PaymentProcessed)
	VisitPaymentFailed(PaymentFailed)
	VisitCompleted(Completed)
	VisitCancelled(Cancelled)
}

type Created struct {
	EventMeta
	CustomerID    string `json:"customer_id"`
	Items         []Item `json:"items"`
	TotalCents    int64  `json:"total_cents"`
	PaymentMethod string `json:"payment_method"`
}

type InventoryReserved struct {
	EventMeta
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type InventoryReservationFailed struct {
	EventMeta
	Reason string `json:"reason"`
}

type PaymentProcessed struct {
	EventMeta
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
	Approved      bool   `json:"approved"`
	DeclineCode   string `json:"decline_code,omitempty"`
}

type PaymentFailed struct {
	EventMeta
	Reason      string `json:"reason"`
	DeclineCode string `json:"decline_code,omitempty"`
}

type Completed struct {
	EventMeta
}

type Cancelled struct {
	EventMeta
	Reason string `json:"reason"`
}

func (Created) Kind() Kind                    { return KindCreated }
func (InventoryReserved) Kind() Kind          { return KindInventoryReserved }
func (InventoryReservationFailed) Kind() Kind { return KindInventoryReservationFailed }
func (PaymentProcessed) Kind() Kind           { return KindPaymentProcessed }
func (PaymentFailed) Kind() Kind              { return KindPaymentFailed }
func (Completed) Kind() Kind                  { return KindCompleted }
func (Cancelled) Kind() Kind                  { return KindCancelled }

func (e Created) WithMeta(m EventMeta) Event                    { e.EventMeta = m; return e }
func (e InventoryReserved) WithMeta(m EventMeta) Event          { e.EventMeta = m; return e }
func (e InventoryReservationFailed) WithMeta(m EventMeta) Event { e.EventMeta = m; return e }
func (e PaymentProcessed) WithMeta(m EventMeta) Event           { e.EventMeta = m; return e }
func (e PaymentFailed) WithMeta(m EventMeta) Event              { e.EventMeta = m; return e }
func (e Completed) WithMeta(m EventMeta) Event                  { e.EventMeta = m; return e }
func (e Cancelled) WithMeta(m EventMeta) Event                  { e.EventMeta = m; return e }

func (e Created) Accept(v Visitor)                    { v.VisitCreated(e) }
func (e InventoryReserved) Accept(v Visitor)          { v.VisitInventoryReserved(e) }
func (e InventoryReservationFailed) Accept(v Visitor) { v.VisitInventoryReservationFailed(e) }
func (e PaymentProcessed) Accept(v Visitor)           { v.VisitPaymentProcessed(e) }
func (e PaymentFailed) Accept(v Visitor)              { v.VisitPaymentFailed(e) }
func (e Completed) Accept(v Visitor)                  { v.VisitCompleted(e) }
func (e Cancelled) Accept(v Visitor)                  { v.VisitCancelled(e) }

func (Created) event()                    {}
func (InventoryReserved) event()          {}
func (InventoryReservationFailed) event() {}
func (PaymentProcessed) event()           {}
func (PaymentFailed) event()              {}
func (Completed) event()                  {}
func (Cancelled) event()                  {}
