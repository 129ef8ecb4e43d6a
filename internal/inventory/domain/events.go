package domain

import "time"

// Notification types emitted through the outbox.
const (
	EventReservationCreated   = "ReservationCreated"
	EventReservationFailed    = "ReservationFailed"
	EventReservationReleased  = "ReservationReleased"
	EventReservationConfirmed = "ReservationConfirmed"
	EventReservationExpired   = "ReservationExpired"
	EventReservationCancelled = "ReservationCancelled"
	EventStockRestocked       = "StockRestocked"
)

type ReservationNotification struct {
	ReservationID string            `json:"reservation_id"`
	OrderID       string            `json:"order_id"`
	Status        ReservationStatus `json:"status"`
	Items         []ReservationItem `json:"items"`
	Reason        string            `json:"reason,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Version       int64             `json:"version"`
}

type StockNotification struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Version   int64  `json:"version"`
}
