package application

import (
	"context"
	"time"

	"github.com/dmehra2102/orderflow/internal/inventory/domain"
)

// Store persists stock, reservations and their audit trail. Every With* method runs fn
// while holding the locks it names and commits the Batch atomically when fn returns nil.
// Locks are always taken order first, then products in ascending id order.
type Store interface {
	// WithOrder locks the order and productIDs. holding is the order's latest reservation, if any.
	WithOrder(ctx context.Context, orderID string, productIDs []string, fn func(b *Batch, holding *domain.Reservation) error) error
	// WithReservation locks the reservation's order and products. It fails with
	// apperr.ErrNotFound for an unknown id.
	WithReservation(ctx context.Context, reservationID string, fn func(b *Batch, r *domain.Reservation) error) error
	// WithProducts locks productIDs, creating missing ones with no stock first.
	WithProducts(ctx context.Context, productIDs []string, fn func(b *Batch) error) error

	Stock(ctx context.Context, productID string) (domain.Stock, error)
	Stocks(ctx context.Context) ([]domain.Stock, error)
	Reservation(ctx context.Context, id string) (*domain.Reservation, error)
	ReservationForOrder(ctx context.Context, orderID string) (*domain.Reservation, error)
	// Expired lists ids of active reservations whose expiry is at or before now.
	Expired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReservationCounts(ctx context.Context) (map[domain.ReservationStatus]int, error)
}
