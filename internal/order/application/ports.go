package application

import (
	"context"

	"github.com/dmehra2102/orderflow/internal/order/domain"
)

// EventStore is an append-only, versioned log of order events.
//
// Append fails with apperr.ErrConcurrencyConflict unless the stored version equals
// expectedVersion, and persists either all of events or none. Load returns events in
// version order; an unknown aggregate yields an empty slice and no error.
type EventStore interface {
	Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int64) error
	Load(ctx context.Context, aggregateID string) ([]domain.Event, error)
}
