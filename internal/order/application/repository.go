package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

const AggregateType = "order"

// Repository loads and saves order aggregates through an EventStore.
type Repository struct {
	log   *slog.Logger
	store EventStore
}

func NewRepository(log *slog.Logger, store EventStore) *Repository {
	return &Repository{log: log, store: store}
}

func (r *Repository) Load(ctx context.Context, id string) (*domain.Order, error) {
	events, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return domain.FromEvents(events)
}

// Save appends the order's uncommitted events. The buffer is cleared only after the
// store confirms the append; on failure the caller must discard o and reload.
func (r *Repository) Save(ctx context.Context, o *domain.Order) error {
	pending := o.Uncommitted()
	if len(pending) == 0 {
		return nil
	}
	if err := r.store.Append(ctx, o.ID, pending, o.ExpectedVersion()); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	o.MarkCommitted()
	r.log.Debug("order saved", "order_id", o.ID, "version", o.Version, "events", len(pending))
	return nil
}

func (r *Repository) History(ctx context.Context, id string) ([]domain.Event, error) {
	events, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order history %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return events, nil
}

// OutboxEvent describes a stored order event as a notification.
func OutboxEvent(e domain.Event, payload []byte) outbox.Event {
	m := e.Meta()
	return outbox.NewEvent(AggregateType, m.OrderID, string(e.Kind()), m.Version, payload)
}
