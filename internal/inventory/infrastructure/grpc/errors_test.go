package grpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

func TestToStatus_Codes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("x: %w", apperr.ErrValidation), codes.InvalidArgument},
		{apperr.ErrNotFound, codes.NotFound},
		{apperr.ErrInsufficientInventory, codes.FailedPrecondition},
		{apperr.ErrConcurrencyConflict, codes.Aborted},
		{apperr.Transient(errors.New("db down")), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, status.Code(toStatus(context.Background(), tc.err)), tc.err.Error())
	}
}

func TestFromStatus(t *testing.T) {
	md := metadata.Pairs(ReasonTrailer, "invalid_transition")
	err := FromStatus(status.Error(codes.FailedPrecondition, "expired"), md)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	err = FromStatus(status.Error(codes.Unavailable, "connection refused"), nil)
	assert.True(t, apperr.IsTransient(err))

	err = FromStatus(status.Error(codes.NotFound, "nope"), nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
