package domain

import "time"

type MovementType string

const (
	MovementReserve MovementType = "reserve"
	MovementRelease MovementType = "release"
	MovementConfirm MovementType = "confirm"
	MovementRestock MovementType = "restock"
	MovementExpire  MovementType = "expire"
)

// Movement is one audited change to a product's counters.
type Movement struct {
	ID              string
	ProductID       string
	Type            MovementType
	Quantity        int
	ReservationID   string
	Reason          string
	AvailableBefore int
	AvailableAfter  int
	ReservedBefore  int
	ReservedAfter   int
	At              time.Time
}

func NewMovement(id string, t MovementType, before, after Stock, qty int, reservationID, reason string, at time.Time) Movement {
	return Movement{
		ID:              id,
		ProductID:       after.ProductID,
		Type:            t,
		Quantity:        qty,
		ReservationID:   reservationID,
		Reason:          reason,
		AvailableBefore: before.Available,
		AvailableAfter:  after.Available,
		ReservedBefore:  before.Reserved,
		ReservedAfter:   after.Reserved,
		At:              at,
	}
}
