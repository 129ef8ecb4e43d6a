package application

import (
	"context"
	"time"

	invapp "github.com/dmehra2102/orderflow/internal/inventory/application"
	invdomain "github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	paydomain "github.com/dmehra2102/orderflow/internal/payment/domain"
)

// Orders is the order aggregate repository.
type Orders interface {
	Load(ctx context.Context, id string) (*orderdomain.Order, error)
	Save(ctx context.Context, o *orderdomain.Order) error
	History(ctx context.Context, id string) ([]orderdomain.Event, error)
}

// Inventory is served in process by the reservation manager or remotely over gRPC.
// Implementations retry their own transient failures; the coordinator calls them once.
type Inventory interface {
	Reserve(ctx context.Context, req invapp.ReserveRequest) (invapp.Outcome, error)
	Release(ctx context.Context, req invapp.ReleaseRequest) (*invdomain.Reservation, error)
	Confirm(ctx context.Context, req invapp.ConfirmRequest) (*invdomain.Reservation, error)
}

// Payments retries its own storage and gateway lookups.
type Payments interface {
	Process(ctx context.Context, c paydomain.Charge) (paydomain.Result, error)
	Reconcile(ctx context.Context, orderID string) (paydomain.Result, error)
	Refund(ctx context.Context, orderID, reason string) error
}

type SagaRepository interface {
	Get(ctx context.Context, orderID string) (domain.Saga, error)
	Save(ctx context.Context, s domain.Saga) error
	// Pending lists sagas that are not terminal and were last updated before cutoff.
	Pending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Saga, error)
}
