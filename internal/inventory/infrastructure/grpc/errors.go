package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// ReasonTrailer carries the error class so clients can restore the sentinel.
const ReasonTrailer = "x-error-reason"

var reasons = []struct {
	name string
	err  error
	code codes.Code
}{
	{"validation", apperr.ErrValidation, codes.InvalidArgument},
	{"invalid_quantity", apperr.ErrInvalidQuantity, codes.InvalidArgument},
	{"not_found", apperr.ErrNotFound, codes.NotFound},
	{"insufficient_inventory", apperr.ErrInsufficientInventory, codes.FailedPrecondition},
	{"invalid_transition", apperr.ErrInvalidTransition, codes.FailedPrecondition},
	{"conflict", apperr.ErrConcurrencyConflict, codes.Aborted},
	{"transient", apperr.ErrTransient, codes.Unavailable},
}

// toStatus converts a domain error into a gRPC status and tags the call with its reason.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(ReasonTrailer, r.name))
			return status.Error(r.code, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus maps an error returned by a ReservationsClient call back onto apperr
// sentinels, using the trailer when the server sent one.
func FromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return apperr.Transient(err)
	}
	if vals := trailer.Get(ReasonTrailer); len(vals) > 0 {
		for _, r := range reasons {
			if r.name == vals[0] {
				return fmt.Errorf("%w: %s", r.err, st.Message())
			}
		}
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", apperr.ErrValidation, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", apperr.ErrConcurrencyConflict, st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%w: %s: %s", apperr.ErrTransient, st.Code(), st.Message())
	}
}
