package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	invapp "github.com/dmehra2102/orderflow/internal/inventory/application"
	invdomain "github.com/dmehra2102/orderflow/internal/inventory/domain"
	invgrpc "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/grpc"
	"github.com/dmehra2102/orderflow/pkg/retry"
)

// InventoryClient reaches the Reservation Manager over gRPC and speaks the same types
// as the in-process manager, so the saga cannot tell them apart.
type InventoryClient struct {
	log    *slog.Logger
	conn   *grpc.ClientConn
	cc     *invgrpc.ReservationsClient
	policy retry.Policy
}

func NewInventoryClient(log *slog.Logger, addr string, opts ...grpc.DialOption) (*InventoryClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &InventoryClient{
		log:    log,
		conn:   conn,
		cc:     invgrpc.NewReservationsClient(conn),
		policy: retry.Default(),
	}, nil
}

// WithRetry sets the policy for calls that never reached the server.
func (c *InventoryClient) WithRetry(p retry.Policy) *InventoryClient {
	c.policy = p
	return c
}

func (c *InventoryClient) Close() error { return c.conn.Close() }

// invoke retries calls the server never answered. A status the server sent carries a
// reason trailer and has already been through the manager's own retries.
func (c *InventoryClient) invoke(ctx context.Context, call func(ctx context.Context, opts ...grpc.CallOption) error) error {
	var trailer metadata.MD
	policy := c.policy.WithRetryable(func(err error) bool {
		return status.Code(err) == codes.Unavailable && len(trailer.Get(invgrpc.ReasonTrailer)) == 0
	})
	err := retry.DoNotify(ctx, policy, c.log, "inventory call", func(ctx context.Context) error {
		trailer = nil
		return call(ctx, grpc.Trailer(&trailer))
	})
	return invgrpc.FromStatus(err, trailer)
}

func (c *InventoryClient) Reserve(ctx context.Context, req invapp.ReserveRequest) (invapp.Outcome, error) {
	var resp *invgrpc.ReservationReply
	err := c.invoke(ctx, func(ctx context.Context, opts ...grpc.CallOption) (err error) {
		resp, err = c.cc.Reserve(ctx, &invgrpc.ReserveRequest{
			OrderID:       req.OrderID,
			Items:         items(req.Items),
			TimeoutMillis: req.Timeout.Milliseconds(),
			Mode:          string(req.Mode),
		}, opts...)
		return err
	})
	if err != nil {
		return invapp.Outcome{}, err
	}
	return invapp.Outcome{
		ReservationID: resp.ReservationID,
		OrderID:       resp.OrderID,
		Status:        invdomain.ReservationStatus(resp.Status),
		Items:         reservationItems(resp.Items),
		Reason:        resp.Reason,
		ExpiresAt:     resp.ExpiresAt,
		Existing:      resp.Existing,
	}, nil
}

func (c *InventoryClient) Release(ctx context.Context, req invapp.ReleaseRequest) (*invdomain.Reservation, error) {
	var resp *invgrpc.ReservationReply
	err := c.invoke(ctx, func(ctx context.Context, opts ...grpc.CallOption) (err error) {
		resp, err = c.cc.Release(ctx, &invgrpc.ReleaseRequest{
			ReservationID: req.ReservationID,
			Items:         items(req.Items),
			Reason:        req.Reason,
		}, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation(resp), nil
}

func (c *InventoryClient) Confirm(ctx context.Context, req invapp.ConfirmRequest) (*invdomain.Reservation, error) {
	var resp *invgrpc.ReservationReply
	err := c.invoke(ctx, func(ctx context.Context, opts ...grpc.CallOption) (err error) {
		resp, err = c.cc.Confirm(ctx, &invgrpc.ConfirmRequest{
			ReservationID: req.ReservationID,
			Items:         items(req.Items),
		}, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation(resp), nil
}

func (c *InventoryClient) CheckStock(ctx context.Context, req []invapp.ItemQuantity) (bool, error) {
	var resp *invgrpc.CheckStockReply
	err := c.invoke(ctx, func(ctx context.Context, opts ...grpc.CallOption) (err error) {
		resp, err = c.cc.CheckStock(ctx, &invgrpc.CheckStockRequest{Items: items(req)}, opts...)
		return err
	})
	if err != nil {
		return false, err
	}
	return resp.Available, nil
}

func items(in []invapp.ItemQuantity) []invgrpc.Item {
	out := make([]invgrpc.Item, 0, len(in))
	for _, it := range in {
		out = append(out, invgrpc.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

func reservationItems(in []invgrpc.ReservationItem) []invdomain.ReservationItem {
	out := make([]invdomain.ReservationItem, 0, len(in))
	for _, it := range in {
		out = append(out, invdomain.ReservationItem(it))
	}
	return out
}

func reservation(r *invgrpc.ReservationReply) *invdomain.Reservation {
	return &invdomain.Reservation{
		ID:        r.ReservationID,
		OrderID:   r.OrderID,
		Status:    invdomain.ReservationStatus(r.Status),
		Items:     reservationItems(r.Items),
		Reason:    r.Reason,
		ExpiresAt: r.ExpiresAt,
	}
}
