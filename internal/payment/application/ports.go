package application

import (
	"context"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

// Gateway is the external payment provider.
type Gateway interface {
	Charge(ctx context.Context, c domain.Charge) (domain.Result, error)
	// Lookup reports what the provider knows about an order's charge, or apperr.ErrNotFound.
	Lookup(ctx context.Context, orderID string) (domain.Result, error)
	Refund(ctx context.Context, transactionID string, amountCents int64) error
}

type Repository interface {
	// Get returns apperr.ErrNotFound when the order has no payment yet.
	Get(ctx context.Context, orderID string) (domain.Payment, error)
	// Save stores p and queues events in the same transaction. A payment with Version 1 is
	// inserted; any other replaces the stored record only if that record is at Version-1.
	// Either way a lost race returns apperr.ErrConcurrencyConflict.
	Save(ctx context.Context, p domain.Payment, events ...outbox.Event) error
}
