// Package application drives an order through reservation, payment and completion,
// compensating completed steps when a later one fails.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	invapp "github.com/dmehra2102/orderflow/internal/inventory/application"
	invdomain "github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	paydomain "github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/retry"
)

const (
	StepCreateOrder      = "create_order"
	StepReserveInventory = "reserve_inventory"
	StepProcessPayment   = "process_payment"
	StepConfirmInventory = "confirm_inventory"
	StepCompleteOrder    = "complete_order"
)

type CreateOrderRequest struct {
	OrderID       string
	CustomerID    string
	Items         []orderdomain.Item
	PaymentMethod string
}

type Coordinator struct {
	log                *slog.Logger
	orders             Orders
	inventory          Inventory
	payments           Payments
	sagas              SagaRepository
	runner             *Runner
	policy             retry.Policy
	reservationTimeout time.Duration
	now                func() time.Time
	newID              func() string
}

type Option func(*Coordinator)

// WithRetry bounds retries of order history reads and writes.
func WithRetry(p retry.Policy) Option        { return func(c *Coordinator) { c.policy = p } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithReservationTimeout sets how long reserved stock is held for an order. Zero leaves
// the inventory default in place.
func WithReservationTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.reservationTimeout = d }
}

func NewCoordinator(log *slog.Logger, orders Orders, inventory Inventory, payments Payments,
	sagas SagaRepository, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       log,
		orders:    orders,
		inventory: inventory,
		payments:  payments,
		sagas:     sagas,
		runner:    NewRunner(log),
		policy:    retry.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder records a new order and runs its saga to the end. Submitting an order id
// that already exists resumes that order instead of creating a second one.
//
// The returned order reflects the final state even when an error is returned: a declined
// payment yields a Cancelled order together with apperr.ErrPaymentDeclined.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*orderdomain.Order, error) {
	if req.OrderID == "" {
		req.OrderID = c.newID()
	}
	if err := orderdomain.Validate(req.OrderID, req.CustomerID, req.Items); err != nil {
		return nil, err
	}
	if !paydomain.Method(req.PaymentMethod).Valid() {
		return nil, fmt.Errorf("%w: unsupported payment method %q", apperr.ErrValidation, req.PaymentMethod)
	}

	o, err := c.orders.Load(ctx, req.OrderID)
	switch {
	case err == nil && o.Status.Terminal():
		return o, nil
	case err == nil:
		return c.drive(ctx, requestOf(o))
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, apperr.Transient(err)
	}
	return c.drive(ctx, req)
}

// RetryOrderProcessing re-runs the saga of an order still waiting for its reservation.
func (c *Coordinator) RetryOrderProcessing(ctx context.Context, orderID string) (*orderdomain.Order, error) {
	o, err := c.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orderdomain.StatusPending {
		return o, fmt.Errorf("%w: order %s is %s, only pending orders can be retried",
			apperr.ErrInvalidTransition, orderID, o.Status)
	}
	return c.drive(ctx, requestOf(o))
}

// Reconcile resumes an order's saga from wherever its history says it stopped. Terminal
// orders and orders whose reservation failed are returned as they are.
func (c *Coordinator) Reconcile(ctx context.Context, orderID string) (*orderdomain.Order, error) {
	o, err := c.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() || o.Status == orderdomain.StatusInventoryReservationFailed {
		c.syncSaga(ctx, o)
		return o, nil
	}
	c.log.Info("reconciling order", "order_id", orderID, "status", o.Status)
	return c.drive(ctx, requestOf(o))
}

// CancelOrder refunds and releases whatever the order holds, then cancels it.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID, reason string) (*orderdomain.Order, error) {
	o, err := c.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: order %s is already %s", apperr.ErrInvalidTransition, orderID, o.Status)
	}
	if reason == "" {
		reason = "cancelled by request"
	}

	if o.PaymentStatus != orderdomain.PaymentStatusDeclined && o.PaymentStatus != orderdomain.PaymentStatusFailed {
		if err := c.payments.Refund(ctx, orderID, reason); err != nil {
			return o, fmt.Errorf("cancel order %s: %w", orderID, err)
		}
	}
	if o.ReservationID != "" {
		if err := c.release(ctx, o.ReservationID, reason); err != nil {
			return o, fmt.Errorf("cancel order %s: %w", orderID, err)
		}
	}
	if err := c.mutate(ctx, orderID, cancelWith(reason)); err != nil {
		return o, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	saga, err := c.saga(ctx, orderID)
	if err == nil {
		saga.State = domain.StateCompensated
		saga.LastError = reason
		c.saveSaga(ctx, &saga)
	}
	c.log.Info("order cancelled", "order_id", orderID, "reason", reason)
	return c.orders.Load(ctx, orderID)
}

func (c *Coordinator) Order(ctx context.Context, orderID string) (*orderdomain.Order, error) {
	return c.orders.Load(ctx, orderID)
}

func (c *Coordinator) History(ctx context.Context, orderID string) ([]orderdomain.Event, error) {
	return c.orders.History(ctx, orderID)
}

func (c *Coordinator) Saga(ctx context.Context, orderID string) (domain.Saga, error) {
	return c.sagas.Get(ctx, orderID)
}

func (c *Coordinator) drive(ctx context.Context, req CreateOrderRequest) (*orderdomain.Order, error) {
	saga, err := c.saga(ctx, req.OrderID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			c.log.Warn("saga lookup failed", "order_id", req.OrderID, "err", err)
		}
		saga = domain.Saga{OrderID: req.OrderID, State: domain.StateStarted, CreatedAt: c.now()}
	}
	saga.Attempts++

	x := &execution{c: c, req: req, saga: &saga}
	err = c.runner.Run(ctx, x.steps(), x.observe)
	c.finish(ctx, &saga, err)

	o, lerr := c.orders.Load(context.WithoutCancel(ctx), req.OrderID)
	if lerr != nil {
		if err == nil {
			err = lerr
		}
		return nil, err
	}
	return o, err
}

func (c *Coordinator) finish(ctx context.Context, saga *domain.Saga, err error) {
	var se *StepError
	errors.As(err, &se)
	switch {
	case err == nil:
		saga.State = domain.StateCompleted
		saga.LastError = ""
	case errors.Is(err, apperr.ErrReconciliationRequired):
		saga.State = domain.StateReconciliationRequired
	case se != nil && se.CompensationErr != nil:
		saga.State = domain.StateReconciliationRequired
		c.log.Error("order left inconsistent", "order_id", saga.OrderID, "step", se.Step, "fatal", true, "err", se.CompensationErr)
	case errors.Is(err, apperr.ErrInsufficientInventory):
		saga.State = domain.StateFailed
	case apperr.IsBusiness(err):
		saga.State = domain.StateCompensated
	}
	if err != nil {
		saga.LastError = err.Error()
	}
	c.saveSaga(ctx, saga)

	if err == nil {
		c.log.Info("order completed", "order_id", saga.OrderID, "attempts", saga.Attempts)
		return
	}
	c.log.Warn("order saga stopped", "order_id", saga.OrderID, "state", saga.State, "step", saga.Step, "err", err)
}

// syncSaga brings a saga whose final save was lost in line with the order history.
func (c *Coordinator) syncSaga(ctx context.Context, o *orderdomain.Order) {
	saga, err := c.saga(ctx, o.ID)
	if err != nil || saga.State.Terminal() {
		return
	}
	switch o.Status {
	case orderdomain.StatusCompleted:
		saga.State = domain.StateCompleted
	case orderdomain.StatusCancelled:
		saga.State = domain.StateCompensated
	default:
		saga.State = domain.StateFailed
	}
	c.saveSaga(ctx, &saga)
}

func (c *Coordinator) saga(ctx context.Context, orderID string) (domain.Saga, error) {
	return c.sagas.Get(ctx, orderID)
}

// saveSaga persists bookkeeping. Failures are logged only: the order history remains
// the source of truth and recovery falls back to it.
func (c *Coordinator) saveSaga(ctx context.Context, saga *domain.Saga) {
	saga.UpdatedAt = c.now()
	if err := c.sagas.Save(context.WithoutCancel(ctx), *saga); err != nil {
		c.log.Warn("saga save failed", "order_id", saga.OrderID, "state", saga.State, "err", err)
	}
}

// mutate loads the order, applies fn and saves, starting over on version conflicts.
func (c *Coordinator) mutate(ctx context.Context, orderID string, fn func(o *orderdomain.Order) error) error {
	policy := c.policy.WithRetryable(func(err error) bool {
		return apperr.IsTransient(err) || errors.Is(err, apperr.ErrConcurrencyConflict)
	})
	return retry.DoNotify(ctx, policy, c.log, "mutate order", func(ctx context.Context) error {
		o, err := c.orders.Load(ctx, orderID)
		if err != nil {
			return apperr.Transient(err)
		}
		if err := fn(o); err != nil {
			return err
		}
		return c.orders.Save(ctx, o)
	})
}

// release leaves retrying to the inventory side, which bounds its own attempts.
func (c *Coordinator) release(ctx context.Context, reservationID, reason string) error {
	_, err := c.inventory.Release(ctx, invapp.ReleaseRequest{ReservationID: reservationID, Reason: reason})
	return err
}

func cancelWith(reason string) func(o *orderdomain.Order) error {
	return func(o *orderdomain.Order) error {
		if o.Status.Terminal() {
			return nil
		}
		return o.Cancel(reason)
	}
}

func requestOf(o *orderdomain.Order) CreateOrderRequest {
	return CreateOrderRequest{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		Items:         o.Items,
		PaymentMethod: o.PaymentMethod,
	}
}

// unknown marks err as leaving the step's effect undetermined.
func unknown(err error) error {
	if apperr.IsBusiness(err) || errors.Is(err, apperr.ErrReconciliationRequired) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrReconciliationRequired, err)
}

// execution is one run of an order's saga.
type execution struct {
	c    *Coordinator
	req  CreateOrderRequest
	saga *domain.Saga
}

func (x *execution) steps() []Step {
	return []Step{
		{Name: StepCreateOrder, Action: x.create},
		{Name: StepReserveInventory, Action: x.reserve, Compensate: x.unreserve},
		{Name: StepProcessPayment, Action: x.pay, Compensate: x.refund},
		{Name: StepConfirmInventory, Action: x.confirm},
		{Name: StepCompleteOrder, Action: x.complete},
	}
}

func (x *execution) observe(ctx context.Context, step string, phase Phase, err error) {
	s := x.saga
	switch phase {
	case PhaseStarted:
		s.Step = step
	case PhaseCompleted:
		switch step {
		case StepReserveInventory:
			s.State = domain.StateReserved
		case StepProcessPayment:
			s.State = domain.StatePaid
		default:
			return
		}
	case PhaseFailed:
		s.LastError = err.Error()
		return
	case PhaseCompensating:
		if s.State == domain.StateCompensating {
			return
		}
		s.State = domain.StateCompensating
	default:
		return
	}
	x.c.saveSaga(ctx, s)
}

func (x *execution) reason() string {
	if x.saga.LastError == "" {
		return "order saga failed"
	}
	return x.saga.LastError
}

func (x *execution) load(ctx context.Context) (*orderdomain.Order, error) {
	var o *orderdomain.Order
	err := retry.Do(ctx, x.c.policy, func(ctx context.Context) error {
		var err error
		o, err = x.c.orders.Load(ctx, x.req.OrderID)
		return apperr.Transient(err)
	})
	return o, err
}

func (x *execution) create(ctx context.Context) error {
	c := x.c
	policy := c.policy.WithRetryable(func(err error) bool {
		return apperr.IsTransient(err) || errors.Is(err, apperr.ErrConcurrencyConflict)
	})
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		_, err := c.orders.Load(ctx, x.req.OrderID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return apperr.Transient(err)
		}
		o, err := orderdomain.New(x.req.OrderID, x.req.CustomerID, x.req.Items, x.req.PaymentMethod,
			orderdomain.WithClock(c.now))
		if err != nil {
			return err
		}
		if err := c.orders.Save(ctx, o); err != nil {
			return err
		}
		c.log.Info("order created", "order_id", o.ID, "customer_id", o.CustomerID, "total_cents", o.TotalCents)
		return nil
	})
}

func (x *execution) reserve(ctx context.Context) error {
	c := x.c
	o, err := x.load(ctx)
	if err != nil {
		return err
	}
	switch o.Status {
	case orderdomain.StatusPending:
	case orderdomain.StatusInventoryReservationFailed:
		return fmt.Errorf("%w: %s", apperr.ErrInsufficientInventory, o.FailureReason)
	case orderdomain.StatusCancelled:
		return fmt.Errorf("%w: order %s is cancelled", apperr.ErrInvalidTransition, o.ID)
	default:
		x.saga.ReservationID = o.ReservationID
		return nil
	}

	items := make([]invapp.ItemQuantity, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, invapp.ItemQuantity{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	out, err := c.inventory.Reserve(ctx, invapp.ReserveRequest{
		OrderID: o.ID,
		Items:   items,
		Timeout: c.reservationTimeout,
		Mode:    invdomain.ModeAllOrNothing,
	})
	if err != nil {
		return fmt.Errorf("reserve inventory for %s: %w", o.ID, err)
	}

	if !out.Succeeded() {
		err := c.mutate(ctx, o.ID, func(o *orderdomain.Order) error {
			if o.Status == orderdomain.StatusInventoryReservationFailed {
				return nil
			}
			return o.FailInventoryReservation(out.Reason)
		})
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", apperr.ErrInsufficientInventory, out.Reason)
	}

	x.saga.ReservationID = out.ReservationID
	err = c.mutate(ctx, o.ID, func(o *orderdomain.Order) error {
		if o.Status == orderdomain.StatusInventoryReserved && o.ReservationID == out.ReservationID {
			return nil
		}
		return o.ReserveInventory(out.ReservationID, out.ExpiresAt)
	})
	if err != nil {
		if !apperr.IsBusiness(err) {
			return unknown(err)
		}
		// the order moved on without us; do not keep its stock
		if rerr := c.release(context.WithoutCancel(ctx), out.ReservationID, err.Error()); rerr != nil {
			c.log.Error("release after failed reserve", "order_id", o.ID, "reservation_id", out.ReservationID, "fatal", true, "err", rerr)
		}
		return err
	}
	return nil
}

func (x *execution) unreserve(ctx context.Context) error {
	c := x.c
	reason := x.reason()
	var errs error
	if x.saga.ReservationID != "" {
		if err := c.release(ctx, x.saga.ReservationID, reason); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if err := c.mutate(ctx, x.req.OrderID, cancelWith(reason)); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

func (x *execution) pay(ctx context.Context) error {
	c := x.c
	o, err := x.load(ctx)
	if err != nil {
		return unknown(err)
	}
	switch o.Status {
	case orderdomain.StatusInventoryReserved:
	case orderdomain.StatusPaymentApproved, orderdomain.StatusCompleted:
		return nil
	case orderdomain.StatusPaymentFailed:
		return fmt.Errorf("%w: %s", apperr.ErrPaymentDeclined, o.FailureReason)
	default:
		return fmt.Errorf("%w: cannot charge order %s in status %s", apperr.ErrInvalidTransition, o.ID, o.Status)
	}

	charge := paydomain.Charge{OrderID: o.ID, AmountCents: o.TotalCents, Method: paydomain.Method(o.PaymentMethod)}
	res, err := c.payments.Process(ctx, charge)
	if err != nil {
		return unknown(fmt.Errorf("process payment for %s: %w", o.ID, err))
	}
	if res.Outcome == paydomain.OutcomeIndeterminate {
		if res, err = c.payments.Reconcile(ctx, o.ID); err != nil {
			return unknown(err)
		}
		if res.Outcome == paydomain.OutcomeIndeterminate {
			return fmt.Errorf("payment for order %s: %w", o.ID, apperr.ErrReconciliationRequired)
		}
	}

	if res.Outcome == paydomain.OutcomeApproved {
		err := c.mutate(ctx, o.ID, func(o *orderdomain.Order) error {
			if o.Status == orderdomain.StatusPaymentApproved {
				return nil
			}
			return o.ProcessPayment(res.TransactionID, o.TotalCents, true, "")
		})
		switch {
		case err == nil:
			return nil
		case !apperr.IsBusiness(err):
			return unknown(err)
		}
		// the order moved on while the charge ran; this step's own compensation will not
		// run, so give the money back here
		if rerr := c.payments.Refund(context.WithoutCancel(ctx), o.ID, err.Error()); rerr != nil {
			c.log.Error("refund of unrecorded charge failed", "order_id", o.ID, "transaction_id", res.TransactionID, "fatal", true, "err", rerr)
			return fmt.Errorf("%w: charge %s not recorded on order %s: %w", apperr.ErrReconciliationRequired, res.TransactionID, o.ID, rerr)
		}
		c.log.Warn("refunded charge the order could not record", "order_id", o.ID, "transaction_id", res.TransactionID, "err", err)
		return err
	}

	err = c.mutate(ctx, o.ID, func(o *orderdomain.Order) error {
		if o.Status != orderdomain.StatusInventoryReserved {
			return nil
		}
		if res.DeclineCode == "not_charged" {
			return o.FailPayment(res.Message, res.DeclineCode)
		}
		return o.ProcessPayment(res.TransactionID, o.TotalCents, false, res.DeclineCode)
	})
	if err != nil {
		c.log.Warn("recording declined payment failed", "order_id", o.ID, "err", err)
	}
	return fmt.Errorf("%w: %s", apperr.ErrPaymentDeclined, res.DeclineCode)
}

func (x *execution) refund(ctx context.Context) error {
	return x.c.payments.Refund(ctx, x.req.OrderID, x.reason())
}

func (x *execution) confirm(ctx context.Context) error {
	c := x.c
	o, err := x.load(ctx)
	if err != nil {
		return unknown(err)
	}
	if o.Status == orderdomain.StatusCompleted {
		return nil
	}
	_, err = c.inventory.Confirm(ctx, invapp.ConfirmRequest{ReservationID: o.ReservationID})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrInvalidTransition):
		// the reservation expired or was released before payment finished
		return fmt.Errorf("confirm inventory for %s: %w", o.ID, err)
	}
	return unknown(fmt.Errorf("confirm inventory for %s: %w", o.ID, err))
}

func (x *execution) complete(ctx context.Context) error {
	err := x.c.mutate(ctx, x.req.OrderID, func(o *orderdomain.Order) error {
		if o.Status == orderdomain.StatusCompleted {
			return nil
		}
		return o.Complete()
	})
	if err != nil {
		return unknown(err)
	}
	return nil
}
