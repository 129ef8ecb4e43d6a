package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/retry"
)

const AggregateType = "payment"

// Service charges orders through a Gateway, keeping one payment record per order so a
// repeated charge returns the recorded outcome instead of charging twice.
type Service struct {
	log     *slog.Logger
	gateway Gateway
	repo    Repository
	timeout time.Duration
	policy  retry.Policy
	now     func() time.Time
}

type Option func(*Service)

// WithTimeout bounds each gateway call. A call that runs out of time is indeterminate.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRetry(p retry.Policy) Option        { return func(s *Service) { s.policy = p } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(log *slog.Logger, gateway Gateway, repo Repository, opts ...Option) *Service {
	s := &Service{
		log:     log,
		gateway: gateway,
		repo:    repo,
		timeout: 5 * time.Second,
		policy:  retry.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process charges c once. Declines come back as a Declined result, not an error. When
// the gateway does not answer in time the result is Indeterminate and Reconcile must
// be used before anything is released or retried. A caller that finds another charge
// for the order in flight gets apperr.ErrReconciliationRequired.
func (s *Service) Process(ctx context.Context, c domain.Charge) (domain.Result, error) {
	if err := c.Validate(); err != nil {
		return domain.Result{}, err
	}

	p, err := s.repo.Get(ctx, c.OrderID)
	switch {
	case err == nil && p.Status.Settled():
		return p.Result(), nil
	case err == nil:
		// a previous attempt never got a definite answer
		return s.Reconcile(ctx, c.OrderID)
	case !errors.Is(err, apperr.ErrNotFound):
		return domain.Result{}, apperr.Transient(err)
	}

	now := s.now()
	p = domain.Payment{
		OrderID:     c.OrderID,
		AmountCents: c.AmountCents,
		Method:      c.Method,
		Status:      domain.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.save(ctx, p, ""); err != nil {
		if !errors.Is(err, apperr.ErrConcurrencyConflict) {
			return domain.Result{}, err
		}
		return s.lost(ctx, c.OrderID)
	}

	res, err := s.charge(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Result{}, ctx.Err()
		}
		s.log.Warn("payment outcome unknown", "order_id", c.OrderID, "err", err)
		res = domain.Result{Outcome: domain.OutcomeIndeterminate, Message: err.Error()}
	}

	p.Attempts++
	p.Record(res, s.now())
	if err := s.save(ctx, p, ""); err != nil {
		if !errors.Is(err, apperr.ErrConcurrencyConflict) {
			return domain.Result{}, err
		}
		return s.overwrite(ctx, c.OrderID, res)
	}
	s.log.Info("payment", "order_id", c.OrderID, "outcome", res.Outcome, "transaction_id", res.TransactionID, "decline_code", res.DeclineCode)
	return res, nil
}

// lost answers a caller whose pending insert lost to a concurrent charge.
func (s *Service) lost(ctx context.Context, orderID string) (domain.Result, error) {
	p, err := s.repo.Get(ctx, orderID)
	if err == nil && p.Status.Settled() {
		return p.Result(), nil
	}
	return domain.Result{}, fmt.Errorf("payment for %s already in flight: %w", orderID, apperr.ErrReconciliationRequired)
}

// overwrite records the gateway's own answer over whatever a concurrent reconcile
// stored while the charge was running.
func (s *Service) overwrite(ctx context.Context, orderID string, res domain.Result) (domain.Result, error) {
	p, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Result{}, apperr.Transient(err)
	}
	if p.Status.Settled() && (res.Outcome == domain.OutcomeIndeterminate || p.Result().Outcome == res.Outcome) {
		return p.Result(), nil
	}
	s.log.Warn("payment record replaced by gateway answer", "order_id", orderID, "stored", p.Status, "outcome", res.Outcome)
	p.Attempts++
	p.Record(res, s.now())
	if err := s.save(ctx, p, ""); err != nil {
		return domain.Result{}, fmt.Errorf("record payment %s: %w: %w", orderID, apperr.ErrReconciliationRequired, err)
	}
	return res, nil
}

func (s *Service) charge(ctx context.Context, c domain.Charge) (domain.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.gateway.Charge(callCtx, c)
}

// Reconcile resolves an indeterminate payment by asking the gateway what happened.
// A charge the gateway has never seen is recorded as declined with code "not_charged",
// unless the pending record is young enough that its charge may still be running.
func (s *Service) Reconcile(ctx context.Context, orderID string) (domain.Result, error) {
	p, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Result{}, err
	}
	if p.Status.Settled() {
		return p.Result(), nil
	}

	var res domain.Result
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		r, err := s.gateway.Lookup(callCtx, orderID)
		switch {
		case errors.Is(err, apperr.ErrNotFound) && s.inFlight(p):
			res = domain.Result{Outcome: domain.OutcomeIndeterminate, Message: "charge still in flight"}
			return nil
		case errors.Is(err, apperr.ErrNotFound):
			res = domain.Result{Outcome: domain.OutcomeDeclined, DeclineCode: "not_charged", Message: "no charge found at gateway"}
			return nil
		case err != nil:
			return apperr.Transient(err)
		}
		res = r
		return nil
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("reconcile payment %s: %w", orderID, err)
	}
	if res.Outcome == domain.OutcomeIndeterminate {
		return res, nil
	}

	p.Record(res, s.now())
	if err := s.save(ctx, p, ""); err != nil {
		if !errors.Is(err, apperr.ErrConcurrencyConflict) {
			return domain.Result{}, err
		}
		return s.lost(ctx, orderID)
	}
	s.log.Info("payment reconciled", "order_id", orderID, "outcome", res.Outcome)
	return res, nil
}

// inFlight reports whether p's charge call may not have returned yet.
func (s *Service) inFlight(p domain.Payment) bool {
	return p.Status == domain.StatusPending && s.now().Sub(p.UpdatedAt) < s.timeout
}

// Refund reverses an approved charge. Orders without an approved charge need nothing.
func (s *Service) Refund(ctx context.Context, orderID, reason string) error {
	p, err := s.repo.Get(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !p.Status.Settled() {
		res, err := s.Reconcile(ctx, orderID)
		if err != nil {
			return err
		}
		if res.Outcome == domain.OutcomeIndeterminate {
			return fmt.Errorf("refund %s: %w", orderID, apperr.ErrReconciliationRequired)
		}
		if p, err = s.repo.Get(ctx, orderID); err != nil {
			return err
		}
	}
	if p.Status != domain.StatusApproved {
		return nil
	}
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return apperr.Transient(s.gateway.Refund(ctx, p.TransactionID, p.AmountCents))
	})
	if err != nil {
		return fmt.Errorf("refund %s: %w", orderID, err)
	}
	p.Status = domain.StatusRefunded
	p.UpdatedAt = s.now()
	p.Version++
	if err := s.save(ctx, p, reason); err != nil {
		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			if cur, gerr := s.repo.Get(ctx, orderID); gerr == nil && cur.Status == domain.StatusRefunded {
				return nil
			}
		}
		return err
	}
	s.log.Info("payment refunded", "order_id", orderID, "transaction_id", p.TransactionID, "reason", reason)
	return nil
}

func (s *Service) Payment(ctx context.Context, orderID string) (domain.Payment, error) {
	return s.repo.Get(ctx, orderID)
}

func (s *Service) save(ctx context.Context, p domain.Payment, reason string) error {
	var events []outbox.Event
	if eventType := notificationType(p.Status); eventType != "" {
		data, err := json.Marshal(domain.PaymentNotification{
			OrderID:       p.OrderID,
			AmountCents:   p.AmountCents,
			Status:        p.Status,
			TransactionID: p.TransactionID,
			DeclineCode:   p.DeclineCode,
			Reason:        reason,
		})
		if err != nil {
			return err
		}
		events = append(events, outbox.NewEvent(AggregateType, p.OrderID, eventType, p.Version, data))
	}
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.repo.Save(ctx, p, events...)
	})
}

func notificationType(st domain.Status) string {
	switch st {
	case domain.StatusApproved:
		return domain.EventPaymentProcessed
	case domain.StatusDeclined:
		return domain.EventPaymentDeclined
	case domain.StatusIndeterminate:
		return domain.EventPaymentPending
	case domain.StatusRefunded:
		return domain.EventPaymentRefunded
	}
	return ""
}
