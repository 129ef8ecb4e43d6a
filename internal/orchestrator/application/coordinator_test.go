package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	invapp "github.com/dmehra2102/orderflow/internal/inventory/application"
	invdomain "github.com/dmehra2102/orderflow/internal/inventory/domain"
	invmemory "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/memory"
	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	sagamemory "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/memory"
	orderapp "github.com/dmehra2102/orderflow/internal/order/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	ordermemory "github.com/dmehra2102/orderflow/internal/order/infrastructure/memory"
	payapp "github.com/dmehra2102/orderflow/internal/payment/application"
	paydomain "github.com/dmehra2102/orderflow/internal/payment/domain"
	paymemory "github.com/dmehra2102/orderflow/internal/payment/infrastructure/memory"
	"github.com/dmehra2102/orderflow/internal/payment/infrastructure/simulated"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/retry"
)

var fast = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock     *clock
	sink      *outbox.Recorder
	stock     *invmemory.Store
	manager   *invapp.Manager
	gateway   *simulated.Gateway
	payments  *payapp.Service
	orders    *orderapp.Repository
	sagas     *sagamemory.SagaRepository
	inventory application.Inventory
	pay       application.Payments
}

type option func(*fixture)

func withInventory(wrap func(application.Inventory) application.Inventory) option {
	return func(f *fixture) { f.inventory = wrap(f.inventory) }
}

// withGateway rebuilds the payment service around a wrapped gateway.
func withGateway(wrap func(payapp.Gateway) payapp.Gateway) option {
	return func(f *fixture) {
		f.payments = payapp.NewService(logging.Discard(), wrap(f.gateway), paymemory.NewRepository(logging.Discard(), f.sink), payapp.WithRetry(fast))
		f.pay = f.payments
	}
}

func withPayments(p application.Payments) option {
	return func(f *fixture) { f.pay = p }
}

func newFixture(t *testing.T, stock map[string]int, limitCents int64, opts ...option) (*fixture, *application.Coordinator) {
	t.Helper()
	log := logging.Discard()
	f := &fixture{
		clock: &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		sink:  outbox.NewRecorder(),
		sagas: sagamemory.NewSagaRepository(),
	}
	f.stock = invmemory.NewStore(log, f.sink)
	for id, qty := range stock {
		f.stock.SetStock(invdomain.Stock{ProductID: id, Available: qty})
	}
	f.manager = invapp.NewManager(log, f.stock, invapp.WithClock(f.clock.Now), invapp.WithRetry(fast))
	f.gateway = simulated.New(limitCents)
	f.payments = payapp.NewService(log, f.gateway, paymemory.NewRepository(logging.Discard(), f.sink), payapp.WithRetry(fast))
	f.orders = orderapp.NewRepository(log, ordermemory.NewEventStore(log, f.sink))
	f.inventory = f.manager
	f.pay = f.payments
	for _, opt := range opts {
		opt(f)
	}
	c := application.NewCoordinator(log, f.orders, f.inventory, f.pay, f.sagas,
		application.WithRetry(fast),
		application.WithClock(f.clock.Now),
		application.WithReservationTimeout(10*time.Minute))
	return f, c
}

func (f *fixture) requireStock(t *testing.T, productID string, available, reserved int) {
	t.Helper()
	st, err := f.manager.Stock(context.Background(), productID)
	require.NoError(t, err)
	assert.Equal(t, available, st.Available, "available %s", productID)
	assert.Equal(t, reserved, st.Reserved, "reserved %s", productID)
}

func (f *fixture) movements(productID string, mt invdomain.MovementType) int {
	n := 0
	for _, m := range f.stock.Movements(productID) {
		if m.Type == mt {
			n++
		}
	}
	return n
}

func kinds(events []orderdomain.Event) []orderdomain.Kind {
	out := make([]orderdomain.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind()
	}
	return out
}

func request(id string, qty int, price int64) application.CreateOrderRequest {
	return application.CreateOrderRequest{
		OrderID:       id,
		CustomerID:    "C1",
		Items:         []orderdomain.Item{{ProductID: "P1", Quantity: qty, PriceCents: price}},
		PaymentMethod: string(paydomain.MethodCard),
	}
}

func TestCreateOrderCompletes(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 10_000)

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCompleted, o.Status)
	assert.Equal(t, int64(1000), o.TotalCents)
	assert.NotEmpty(t, o.ReservationID)
	assert.NotEmpty(t, o.TransactionID)
	f.requireStock(t, "P1", 8, 0)

	history, err := c.History(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, []orderdomain.Kind{
		orderdomain.KindCreated,
		orderdomain.KindInventoryReserved,
		orderdomain.KindPaymentProcessed,
		orderdomain.KindCompleted,
	}, kinds(history))

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, saga.State)
	assert.Equal(t, application.StepCompleteOrder, saga.Step)
	assert.Equal(t, o.ReservationID, saga.ReservationID)
	assert.Contains(t, f.sink.Types(), string(orderdomain.KindCompleted))
}

func TestCreateOrderGeneratesID(t *testing.T) {
	_, c := newFixture(t, map[string]int{"P1": 10}, 0)

	o, err := c.CreateOrder(context.Background(), request("", 1, 100))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, orderdomain.StatusCompleted, o.Status)
}

func TestCreateOrderValidation(t *testing.T) {
	f, c := newFixture(t, map[string]int{"P1": 10}, 0)

	_, err := c.CreateOrder(context.Background(), request("O1", 0, 500))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	req := request("O1", 1, 500)
	req.PaymentMethod = "barter"
	_, err = c.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = c.Order(context.Background(), "O1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	f.requireStock(t, "P1", 10, 0)
}

func TestDeclinedPaymentCancelsAndReturnsStockOnce(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 500)

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrPaymentDeclined)
	require.NotNil(t, o)
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
	assert.Equal(t, orderdomain.InventoryStatusReleased, o.InventoryStatus)
	assert.Equal(t, orderdomain.PaymentStatusDeclined, o.PaymentStatus)
	f.requireStock(t, "P1", 10, 0)
	assert.Equal(t, 1, f.movements("P1", invdomain.MovementReserve))
	assert.Equal(t, 1, f.movements("P1", invdomain.MovementRelease))

	var se *application.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, application.StepProcessPayment, se.Step)
	assert.NoError(t, se.CompensationErr)

	history, err := c.History(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, []orderdomain.Kind{
		orderdomain.KindCreated,
		orderdomain.KindInventoryReserved,
		orderdomain.KindPaymentProcessed,
		orderdomain.KindCancelled,
	}, kinds(history))

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompensated, saga.State)

	// resubmitting a cancelled order is a no-op
	again, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, again.Status)
	assert.Equal(t, 1, f.movements("P1", invdomain.MovementRelease))
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestInsufficientInventoryStopsBeforePayment(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 1}, 0)

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrInsufficientInventory)
	assert.Equal(t, orderdomain.StatusInventoryReservationFailed, o.Status)
	assert.NotEmpty(t, o.FailureReason)
	f.requireStock(t, "P1", 1, 0)
	assert.Zero(t, f.gateway.Calls())

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, saga.State)

	_, err = c.RetryOrderProcessing(ctx, "O1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	o, err = c.CancelOrder(ctx, "O1", "customer gave up")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
}

func TestResubmittingCompletedOrderChargesOnce(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 0)

	_, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.NoError(t, err)
	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCompleted, o.Status)
	assert.Equal(t, 1, f.gateway.Calls())
	f.requireStock(t, "P1", 8, 0)

	_, err = c.CancelOrder(ctx, "O1", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 5}, 0)

	var wg sync.WaitGroup
	errs := make([]error, 12)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.CreateOrder(ctx, request(fmt.Sprintf("O%d", i), 1, 100))
		}(i)
	}
	wg.Wait()

	completed, short := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, apperr.ErrInsufficientInventory):
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 5, completed)
	assert.Equal(t, 7, short)
	f.requireStock(t, "P1", 0, 0)
}

// scriptedPayments answers Process with an indeterminate outcome and replays results
// for each Reconcile call.
type scriptedPayments struct {
	mu        sync.Mutex
	reconcile []paydomain.Result
	refunds   []string
}

func (p *scriptedPayments) Process(context.Context, paydomain.Charge) (paydomain.Result, error) {
	return paydomain.Result{Outcome: paydomain.OutcomeIndeterminate}, nil
}

func (p *scriptedPayments) Reconcile(context.Context, string) (paydomain.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reconcile) == 0 {
		return paydomain.Result{Outcome: paydomain.OutcomeIndeterminate}, nil
	}
	r := p.reconcile[0]
	p.reconcile = p.reconcile[1:]
	return r, nil
}

func (p *scriptedPayments) Refund(_ context.Context, orderID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, orderID)
	return nil
}

func TestIndeterminatePaymentHoldsStockUntilReconciled(t *testing.T) {
	ctx := context.Background()
	pay := &scriptedPayments{reconcile: []paydomain.Result{
		{Outcome: paydomain.OutcomeIndeterminate},
		{Outcome: paydomain.OutcomeApproved, TransactionID: "txn_late"},
	}}
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withPayments(pay))

	o, err := c.CreateOrder(ctx, request("O1", 3, 500))
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)
	assert.Equal(t, orderdomain.StatusInventoryReserved, o.Status)
	f.requireStock(t, "P1", 7, 3)
	assert.Empty(t, pay.refunds)

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReconciliationRequired, saga.State)

	o, err = c.Reconcile(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCompleted, o.Status)
	assert.Equal(t, "txn_late", o.TransactionID)
	f.requireStock(t, "P1", 7, 0)

	saga, err = c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, saga.State)
	assert.Equal(t, 2, saga.Attempts)
}

func TestUnchargedPaymentCompensates(t *testing.T) {
	ctx := context.Background()
	pay := &scriptedPayments{reconcile: []paydomain.Result{
		{Outcome: paydomain.OutcomeDeclined, DeclineCode: "not_charged", Message: "no charge found at gateway"},
	}}
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withPayments(pay))

	o, err := c.CreateOrder(ctx, request("O1", 3, 500))
	require.ErrorIs(t, err, apperr.ErrPaymentDeclined)
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
	assert.Equal(t, orderdomain.PaymentStatusFailed, o.PaymentStatus)
	f.requireStock(t, "P1", 10, 0)
}

type flakyInventory struct {
	application.Inventory
	releaseErr error
	confirmErr error
}

func (i *flakyInventory) Release(ctx context.Context, req invapp.ReleaseRequest) (*invdomain.Reservation, error) {
	if i.releaseErr != nil {
		return nil, i.releaseErr
	}
	return i.Inventory.Release(ctx, req)
}

func (i *flakyInventory) Confirm(ctx context.Context, req invapp.ConfirmRequest) (*invdomain.Reservation, error) {
	if i.confirmErr != nil {
		return nil, i.confirmErr
	}
	return i.Inventory.Confirm(ctx, req)
}

func TestFailedCompensationNeedsReconciliation(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 500, withInventory(func(inv application.Inventory) application.Inventory {
		return &flakyInventory{Inventory: inv, releaseErr: errors.New("inventory unreachable")}
	}))

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrPaymentDeclined)

	var se *application.StepError
	require.ErrorAs(t, err, &se)
	assert.ErrorContains(t, se.CompensationErr, "inventory unreachable")

	// the order is still cancelled; the stock waits for the expiry sweep
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
	f.requireStock(t, "P1", 8, 2)

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReconciliationRequired, saga.State)

	f.clock.Advance(11 * time.Minute)
	n, err := f.manager.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.requireStock(t, "P1", 10, 0)
}

func TestExpiredReservationRefundsPayment(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withInventory(func(inv application.Inventory) application.Inventory {
		return &flakyInventory{Inventory: inv, confirmErr: fmt.Errorf("%w: reservation expired", apperr.ErrInvalidTransition)}
	}))

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
	assert.Equal(t, orderdomain.PaymentStatusRefunded, o.PaymentStatus)
	assert.True(t, f.gateway.Refunded(o.TransactionID))
	f.requireStock(t, "P1", 10, 0)

	p, err := f.payments.Payment(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, paydomain.StatusRefunded, p.Status)
}

func TestUnreachableConfirmHaltsWithoutRefund(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withInventory(func(inv application.Inventory) application.Inventory {
		return &flakyInventory{Inventory: inv, confirmErr: apperr.Transient(errors.New("timeout"))}
	}))

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)
	assert.Equal(t, orderdomain.StatusPaymentApproved, o.Status)
	assert.False(t, f.gateway.Refunded(o.TransactionID))
	f.requireStock(t, "P1", 8, 2)
}

func TestCancelOrderRefundsAndReleases(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withInventory(func(inv application.Inventory) application.Inventory {
		return &flakyInventory{Inventory: inv, confirmErr: apperr.Transient(errors.New("timeout"))}
	}))

	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)

	o, err = c.CancelOrder(ctx, "O1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
	assert.True(t, f.gateway.Refunded(o.TransactionID))
	f.requireStock(t, "P1", 10, 0)

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompensated, saga.State)
}

func TestRetryOrderProcessing(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, map[string]int{"P1": 10}, 0)

	o, err := orderdomain.New("O1", "C1", []orderdomain.Item{{ProductID: "P1", Quantity: 1, PriceCents: 100}}, "card")
	require.NoError(t, err)
	require.NoError(t, f.orders.Save(ctx, o))

	o, err = c.RetryOrderProcessing(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCompleted, o.Status)

	_, err = c.RetryOrderProcessing(ctx, "O1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = c.RetryOrderProcessing(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecovererResumesStalledSagas(t *testing.T) {
	ctx := context.Background()
	pay := &scriptedPayments{}
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withPayments(pay))
	r := application.NewRecoverer(logging.Discard(), c, f.sagas, time.Second, time.Minute)

	_, err := c.CreateOrder(ctx, request("O1", 1, 100))
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)

	n, err := r.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stale yet")

	f.clock.Advance(2 * time.Minute)
	pay.mu.Lock()
	pay.reconcile = []paydomain.Result{{Outcome: paydomain.OutcomeApproved, TransactionID: "txn_1"}}
	pay.mu.Unlock()

	n, err = r.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := c.Order(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCompleted, o.Status)

	f.clock.Advance(2 * time.Minute)
	n, err = r.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecovererFailsSagaWithoutOrder(t *testing.T) {
	ctx := context.Background()
	f, c := newFixture(t, nil, 0)
	r := application.NewRecoverer(logging.Discard(), c, f.sagas, time.Second, time.Minute)

	require.NoError(t, f.sagas.Save(ctx, domain.Saga{
		OrderID:   "ghost",
		State:     domain.StateStarted,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}))
	f.clock.Advance(time.Hour)

	n, err := r.RecoverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	saga, err := f.sagas.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, saga.State)
}

// heldGateway keeps a charge open until release is closed. The provider only learns
// about the charge once it completes.
type heldGateway struct {
	payapp.Gateway
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHeldGateway(g payapp.Gateway) *heldGateway {
	return &heldGateway{Gateway: g, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *heldGateway) Charge(ctx context.Context, c paydomain.Charge) (paydomain.Result, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return paydomain.Result{}, ctx.Err()
	}
	return g.Gateway.Charge(ctx, c)
}

func TestDuplicateSubmissionWhileChargeInFlight(t *testing.T) {
	ctx := context.Background()
	var held *heldGateway
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withGateway(func(g payapp.Gateway) payapp.Gateway {
		held = newHeldGateway(g)
		return held
	}))

	type result struct {
		o   *orderdomain.Order
		err error
	}
	first := make(chan result, 1)
	go func() {
		o, err := c.CreateOrder(ctx, request("O1", 2, 500))
		first <- result{o, err}
	}()
	<-held.started

	// the same order arrives again while its charge is still running
	o, err := c.CreateOrder(ctx, request("O1", 2, 500))
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)
	assert.Equal(t, orderdomain.StatusInventoryReserved, o.Status)
	f.requireStock(t, "P1", 8, 2)

	close(held.release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, orderdomain.StatusCompleted, r.o.Status)
	assert.False(t, f.gateway.Refunded(r.o.TransactionID))
	assert.Equal(t, 1, f.gateway.Calls())
	f.requireStock(t, "P1", 8, 0)

	p, err := f.payments.Payment(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, paydomain.StatusApproved, p.Status)

	saga, err := c.Saga(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, saga.State)
}

func TestChargeTheOrderCannotRecordIsRefunded(t *testing.T) {
	ctx := context.Background()
	var held *heldGateway
	f, c := newFixture(t, map[string]int{"P1": 10}, 0, withGateway(func(g payapp.Gateway) payapp.Gateway {
		held = newHeldGateway(g)
		return held
	}))

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateOrder(ctx, request("O1", 2, 500))
		done <- err
	}()
	<-held.started

	// cancelled straight through the order history while the charge runs
	o, err := f.orders.Load(ctx, "O1")
	require.NoError(t, err)
	require.NoError(t, o.Cancel("customer hung up"))
	require.NoError(t, f.orders.Save(ctx, o))

	close(held.release)
	err = <-done
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	p, err := f.payments.Payment(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, paydomain.StatusRefunded, p.Status)
	assert.True(t, f.gateway.Refunded(p.TransactionID))
	f.requireStock(t, "P1", 10, 0)

	o, err = c.Order(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, o.Status)
}
