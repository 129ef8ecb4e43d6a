package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// Manager is the part of the reservation engine exposed remotely.
type Manager interface {
	Reserve(ctx context.Context, req application.ReserveRequest) (application.Outcome, error)
	Release(ctx context.Context, req application.ReleaseRequest) (*domain.Reservation, error)
	Confirm(ctx context.Context, req application.ConfirmRequest) (*domain.Reservation, error)
	Cancel(ctx context.Context, reservationID, reason string) (*domain.Reservation, error)
	Reservation(ctx context.Context, id string) (*domain.Reservation, error)
	ReservationForOrder(ctx context.Context, orderID string) (*domain.Reservation, error)
	Restock(ctx context.Context, productID string, qty int, reason string) (domain.Stock, error)
	Stock(ctx context.Context, productID string) (domain.Stock, error)
	CheckAvailability(ctx context.Context, items []application.ItemQuantity) (application.Availability, error)
	Stats(ctx context.Context) (application.Stats, error)
}

type Server struct {
	log     *slog.Logger
	manager Manager
}

var _ ReservationsServer = (*Server)(nil)

func NewServer(log *slog.Logger, manager Manager) *Server {
	return &Server{log: log, manager: manager}
}

func (s *Server) Reserve(ctx context.Context, in *ReserveRequest) (*ReservationReply, error) {
	out, err := s.manager.Reserve(ctx, application.ReserveRequest{
		OrderID: in.OrderID,
		Items:   toQuantities(in.Items),
		Timeout: time.Duration(in.TimeoutMillis) * time.Millisecond,
		Mode:    domain.Mode(in.Mode),
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &ReservationReply{
		ReservationID: out.ReservationID,
		OrderID:       out.OrderID,
		Status:        string(out.Status),
		Items:         toItems(out.Items),
		Reason:        out.Reason,
		ExpiresAt:     out.ExpiresAt,
		Existing:      out.Existing,
	}, nil
}

func (s *Server) Release(ctx context.Context, in *ReleaseRequest) (*ReservationReply, error) {
	r, err := s.manager.Release(ctx, application.ReleaseRequest{
		ReservationID: in.ReservationID,
		Items:         toQuantities(in.Items),
		Reason:        in.Reason,
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(r), nil
}

func (s *Server) Confirm(ctx context.Context, in *ConfirmRequest) (*ReservationReply, error) {
	r, err := s.manager.Confirm(ctx, application.ConfirmRequest{ReservationID: in.ReservationID, Items: toQuantities(in.Items)})
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(r), nil
}

func (s *Server) Cancel(ctx context.Context, in *CancelRequest) (*ReservationReply, error) {
	r, err := s.manager.Cancel(ctx, in.ReservationID, in.Reason)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(r), nil
}

func (s *Server) GetReservation(ctx context.Context, in *GetReservationRequest) (*ReservationReply, error) {
	var r *domain.Reservation
	var err error
	switch {
	case in.ReservationID != "":
		r, err = s.manager.Reservation(ctx, in.ReservationID)
	case in.OrderID != "":
		r, err = s.manager.ReservationForOrder(ctx, in.OrderID)
	default:
		err = errors.Join(apperr.ErrValidation, errors.New("reservation_id or order_id is required"))
	}
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(r), nil
}

func (s *Server) Restock(ctx context.Context, in *RestockRequest) (*StockReply, error) {
	st, err := s.manager.Restock(ctx, in.ProductID, in.Quantity, in.Reason)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return stockReply(st), nil
}

func (s *Server) GetStock(ctx context.Context, in *GetStockRequest) (*StockReply, error) {
	st, err := s.manager.Stock(ctx, in.ProductID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return stockReply(st), nil
}

func (s *Server) CheckStock(ctx context.Context, in *CheckStockRequest) (*CheckStockReply, error) {
	av, err := s.manager.CheckAvailability(ctx, toQuantities(in.Items))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	out := &CheckStockReply{Available: av.Available, Items: make([]ItemAvailability, 0, len(av.Items))}
	for _, it := range av.Items {
		out.Items = append(out.Items, ItemAvailability{ProductID: it.ProductID, Requested: it.Requested, Available: it.Available})
	}
	return out, nil
}

func (s *Server) Stats(ctx context.Context, _ *StatsRequest) (*StatsReply, error) {
	st, err := s.manager.Stats(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	counts := make(map[string]int, len(st.Reservations))
	for k, v := range st.Reservations {
		counts[string(k)] = v
	}
	return &StatsReply{
		Products:       st.Products,
		TotalAvailable: st.TotalAvailable,
		TotalReserved:  st.TotalReserved,
		LowStock:       st.LowStock,
		Reservations:   counts,
	}, nil
}

// NewGRPCServer builds a grpc.Server with the Reservations service and request logging.
func NewGRPCServer(log *slog.Logger, srv ReservationsServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logging(log)))
	gs := grpc.NewServer(opts...)
	RegisterReservationsServer(gs, srv)
	return gs
}

func Run(log *slog.Logger, addr string, srv ReservationsServer) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := NewGRPCServer(log, srv)
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc serve", "err", err)
		}
	}()
	log.Info("grpc listening", "addr", addr)
	return gs, nil
}

func logging(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warn("grpc call failed", "method", info.FullMethod, "duration", time.Since(start), "err", err)
			return resp, err
		}
		log.Debug("grpc call", "method", info.FullMethod, "duration", time.Since(start))
		return resp, nil
	}
}

func toQuantities(items []Item) []application.ItemQuantity {
	out := make([]application.ItemQuantity, 0, len(items))
	for _, it := range items {
		out = append(out, application.ItemQuantity{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

func toItems(items []domain.ReservationItem) []ReservationItem {
	out := make([]ReservationItem, 0, len(items))
	for _, it := range items {
		out = append(out, ReservationItem(it))
	}
	return out
}

func reply(r *domain.Reservation) *ReservationReply {
	return &ReservationReply{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		Status:        string(r.Status),
		Items:         toItems(r.Items),
		Reason:        r.Reason,
		ExpiresAt:     r.ExpiresAt,
	}
}

func stockReply(st domain.Stock) *StockReply {
	return &StockReply{ProductID: st.ProductID, Available: st.Available, Reserved: st.Reserved, Version: st.Version}
}
