package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "orderflow.inventory.v1.Reservations"

// ReservationsServer is the server API of the Reservation Manager.
type ReservationsServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReservationReply, error)
	Release(context.Context, *ReleaseRequest) (*ReservationReply, error)
	Confirm(context.Context, *ConfirmRequest) (*ReservationReply, error)
	Cancel(context.Context, *CancelRequest) (*ReservationReply, error)
	GetReservation(context.Context, *GetReservationRequest) (*ReservationReply, error)
	Restock(context.Context, *RestockRequest) (*StockReply, error)
	GetStock(context.Context, *GetStockRequest) (*StockReply, error)
	CheckStock(context.Context, *CheckStockRequest) (*CheckStockReply, error)
	Stats(context.Context, *StatsRequest) (*StatsReply, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Reserve", ReservationsServer.Reserve),
		unary("Release", ReservationsServer.Release),
		unary("Confirm", ReservationsServer.Confirm),
		unary("Cancel", ReservationsServer.Cancel),
		unary("GetReservation", ReservationsServer.GetReservation),
		unary("Restock", ReservationsServer.Restock),
		unary("GetStock", ReservationsServer.GetStock),
		unary("CheckStock", ReservationsServer.CheckStock),
		unary("Stats", ReservationsServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orderflow/inventory/v1/reservations",
}

func RegisterReservationsServer(s grpc.ServiceRegistrar, srv ReservationsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, call func(ReservationsServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationsServer), ctx, req.(*Req))
			})
		},
	}
}

// ReservationsClient calls a remote Reservation Manager.
type ReservationsClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationsClient(cc grpc.ClientConnInterface) *ReservationsClient {
	return &ReservationsClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationsClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Reserve", in, opts...)
}

func (c *ReservationsClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Release", in, opts...)
}

func (c *ReservationsClient) Confirm(ctx context.Context, in *ConfirmRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Confirm", in, opts...)
}

func (c *ReservationsClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Cancel", in, opts...)
}

func (c *ReservationsClient) GetReservation(ctx context.Context, in *GetReservationRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "GetReservation", in, opts...)
}

func (c *ReservationsClient) Restock(ctx context.Context, in *RestockRequest, opts ...grpc.CallOption) (*StockReply, error) {
	return invoke[StockReply](ctx, c.cc, "Restock", in, opts...)
}

func (c *ReservationsClient) GetStock(ctx context.Context, in *GetStockRequest, opts ...grpc.CallOption) (*StockReply, error) {
	return invoke[StockReply](ctx, c.cc, "GetStock", in, opts...)
}

func (c *ReservationsClient) CheckStock(ctx context.Context, in *CheckStockRequest, opts ...grpc.CallOption) (*CheckStockReply, error) {
	return invoke[CheckStockReply](ctx, c.cc, "CheckStock", in, opts...)
}

func (c *ReservationsClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsReply, error) {
	return invoke[StatsReply](ctx, c.cc, "Stats", in, opts...)
}
