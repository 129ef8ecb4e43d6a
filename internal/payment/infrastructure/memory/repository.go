package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Repository struct {
	log      *slog.Logger
	mu       sync.RWMutex
	payments map[string]domain.Payment
	sink     outbox.Sink
}

func NewRepository(log *slog.Logger, sink outbox.Sink) *Repository {
	return &Repository{log: log, payments: make(map[string]domain.Payment), sink: sink}
}

func (r *Repository) Get(_ context.Context, orderID string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[orderID]
	if !ok {
		return domain.Payment{}, fmt.Errorf("payment for %s: %w", orderID, apperr.ErrNotFound)
	}
	return p, nil
}

func (r *Repository) Save(ctx context.Context, p domain.Payment, events ...outbox.Event) error {
	r.mu.Lock()
	cur, ok := r.payments[p.OrderID]
	if (ok && cur.Version != p.Version-1) || (!ok && p.Version != 1) {
		r.mu.Unlock()
		return fmt.Errorf("%w: payment for %s is at version %d", apperr.ErrConcurrencyConflict, p.OrderID, cur.Version)
	}
	r.payments[p.OrderID] = p
	r.mu.Unlock()
	if r.sink == nil || len(events) == 0 {
		return nil
	}
	if err := r.sink.Publish(ctx, events...); err != nil {
		r.log.Error("publish payment notifications", "order_id", p.OrderID, "count", len(events), "err", err)
	}
	return nil
}
