package domain

import "time"

type SagaState string

const (
	StateStarted                SagaState = "started"
	StateReserved               SagaState = "reserved"
	StatePaid                   SagaState = "paid"
	StateCompleted              SagaState = "completed"
	StateCompensating           SagaState = "compensating"
	StateCompensated            SagaState = "compensated"
	StateFailed                 SagaState = "failed"
	StateReconciliationRequired SagaState = "reconciliation_required"
)

// Terminal reports whether the saga needs no further driving.
func (s SagaState) Terminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}

// Saga records how far an order's saga got. It is bookkeeping for recovery; the order's
// event history stays the source of truth.
type Saga struct {
	OrderID       string    `json:"order_id"`
	State         SagaState `json:"state"`
	Step          string    `json:"step"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stalled reports whether a non-terminal saga has not moved since before cutoff.
func (s Saga) Stalled(cutoff time.Time) bool {
	return !s.State.Terminal() && s.UpdatedAt.Before(cutoff)
}
