// Package simulated is a stand-in payment provider. It approves charges up to a limit
// and declines anything above it.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type Gateway struct {
	limitCents int64
	latency    time.Duration

	mu      sync.Mutex
	charges map[string]domain.Result
	amounts map[string]int64
	refunds map[string]bool
	calls   int
}

type Option func(*Gateway)

// WithLatency delays every answer. The charge is booked before the delay, so a caller
// that gives up early sees a timeout for a charge that did happen.
func WithLatency(d time.Duration) Option { return func(g *Gateway) { g.latency = d } }

func New(limitCents int64, opts ...Option) *Gateway {
	g := &Gateway{
		limitCents: limitCents,
		charges:    make(map[string]domain.Result),
		amounts:    make(map[string]int64),
		refunds:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Charge(ctx context.Context, c domain.Charge) (domain.Result, error) {
	g.mu.Lock()
	g.calls++
	res, ok := g.charges[c.OrderID]
	if !ok {
		res = g.decide(c)
		g.charges[c.OrderID] = res
		g.amounts[res.TransactionID] = c.AmountCents
	}
	g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return domain.Result{}, err
	}
	return res, nil
}

func (g *Gateway) decide(c domain.Charge) domain.Result {
	if g.limitCents > 0 && c.AmountCents > g.limitCents {
		return domain.Result{
			Outcome:     domain.OutcomeDeclined,
			DeclineCode: "amount_limit_exceeded",
			Message:     fmt.Sprintf("amount %d exceeds limit %d", c.AmountCents, g.limitCents),
		}
	}
	return domain.Result{Outcome: domain.OutcomeApproved, TransactionID: "txn_" + uuid.NewString()}
}

func (g *Gateway) Lookup(ctx context.Context, orderID string) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.charges[orderID]
	if !ok {
		return domain.Result{}, fmt.Errorf("charge for %s: %w", orderID, apperr.ErrNotFound)
	}
	return res, nil
}

func (g *Gateway) Refund(ctx context.Context, transactionID string, amountCents int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	charged, ok := g.amounts[transactionID]
	if !ok {
		return fmt.Errorf("%w: unknown transaction %s", apperr.ErrValidation, transactionID)
	}
	if amountCents > charged {
		return fmt.Errorf("%w: refund %d exceeds charge %d", apperr.ErrValidation, amountCents, charged)
	}
	g.refunds[transactionID] = true
	return nil
}

// Refunded reports whether transactionID was refunded.
func (g *Gateway) Refunded(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds[transactionID]
}

// Calls counts Charge invocations.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
