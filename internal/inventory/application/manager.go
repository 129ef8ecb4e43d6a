package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/retry"
)

const (
	AggregateReservation = "reservation"
	AggregateStock       = "stock"
)

type ItemQuantity struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReserveRequest struct {
	OrderID string
	Items   []ItemQuantity
	// Timeout sets the expiry. Zero uses the manager's default.
	Timeout time.Duration
	// Mode defaults to all-or-nothing.
	Mode domain.Mode
}

type Outcome struct {
	ReservationID string
	OrderID       string
	Status        domain.ReservationStatus
	Items         []domain.ReservationItem
	Reason        string
	ExpiresAt     time.Time
	// Existing is set when the order already held this reservation.
	Existing bool
}

func (o Outcome) Succeeded() bool {
	return o.Status == domain.ReservationReserved || o.Status == domain.ReservationConfirmed
}

type ItemAvailability struct {
	ProductID string
	Requested int
	Available int
}

type Availability struct {
	Available bool
	Items     []ItemAvailability
}

type Stats struct {
	Products       int
	TotalAvailable int
	TotalReserved  int
	LowStock       []string
	Reservations   map[domain.ReservationStatus]int
}

// Manager is the reservation engine. It never calls out to anything slow while a
// store lock is held.
type Manager struct {
	log      *slog.Logger
	store    Store
	policy   retry.Policy
	timeout  time.Duration
	lowStock int
	now      func() time.Time
	newID    func() string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithRetry(p retry.Policy) Option        { return func(m *Manager) { m.policy = p } }
func WithLowStockThreshold(n int) Option     { return func(m *Manager) { m.lowStock = n } }

// WithTimeout sets the default reservation lifetime.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func NewManager(log *slog.Logger, store Store, opts ...Option) *Manager {
	m := &Manager{
		log:     log,
		store:   store,
		policy:  retry.Default(),
		timeout: 15 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve holds stock for an order. A shortfall is reported through the outcome's
// Failed status, not an error. Reserving again for an order that already holds a live
// or confirmed reservation returns that reservation unchanged.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (Outcome, error) {
	items, err := normalize(req.Items)
	if err != nil {
		return Outcome{}, err
	}
	if req.OrderID == "" {
		return Outcome{}, fmt.Errorf("%w: order id is required", apperr.ErrValidation)
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeAllOrNothing
	}
	if !mode.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown mode %q", apperr.ErrValidation, mode)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}

	var out Outcome
	var low []domain.Stock
	err = retry.Do(ctx, m.policy, func(ctx context.Context) error {
		low = nil
		return m.store.WithOrder(ctx, req.OrderID, ids, func(b *Batch, holding *domain.Reservation) error {
			if holding != nil && (holding.Status.Active() || holding.Status == domain.ReservationConfirmed) {
				out = outcomeOf(holding)
				out.Existing = true
				return nil
			}
			now := m.now()
			r := &domain.Reservation{
				ID:        m.newID(),
				OrderID:   req.OrderID,
				Mode:      mode,
				Items:     make([]domain.ReservationItem, 0, len(items)),
				Version:   1,
				CreatedAt: now,
				ExpiresAt: now.Add(timeout),
				UpdatedAt: now,
			}
			r.Status, r.Reason = plan(b, items, mode, r)
			if r.Status != domain.ReservationFailed {
				for i := range r.Items {
					it := &r.Items[i]
					if it.Reserved == 0 {
						continue
					}
					before, after, err := b.Mutate(it.ProductID, func(s *domain.Stock) error {
						s.UpdatedAt = now
						return s.Reserve(it.Reserved)
					})
					if err != nil {
						return err
					}
					b.Record(domain.NewMovement(m.newID(), domain.MovementReserve, before, after, it.Reserved, r.ID, "", now))
					if m.lowStock > 0 && after.Available < m.lowStock {
						low = append(low, after)
					}
				}
			}
			b.Put(r)
			event := domain.EventReservationCreated
			if r.Status == domain.ReservationFailed {
				event = domain.EventReservationFailed
			}
			if err := b.Emit(AggregateReservation, event, r.ID, r.Version, notification(r)); err != nil {
				return err
			}
			out = outcomeOf(r)
			return nil
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve for order %s: %w", req.OrderID, err)
	}

	for _, s := range low {
		m.log.Warn("low stock", "product_id", s.ProductID, "available", s.Available, "threshold", m.lowStock)
	}
	m.log.Info("reservation", "order_id", out.OrderID, "reservation_id", out.ReservationID,
		"status", out.Status, "existing", out.Existing)
	return out, nil
}

// plan fills r.Items with what can be reserved against the locked stock and picks the status.
func plan(b *Batch, items []ItemQuantity, mode domain.Mode, r *domain.Reservation) (domain.ReservationStatus, string) {
	var short []string
	requested, reserved := 0, 0
	for _, it := range items {
		s := b.Stock(it.ProductID)
		got := it.Quantity
		if !s.CanReserve(it.Quantity) {
			short = append(short, fmt.Sprintf("%s (available %d, requested %d)", it.ProductID, s.Available, it.Quantity))
			got = s.Available
		}
		r.Items = append(r.Items, domain.ReservationItem{ProductID: it.ProductID, Requested: it.Quantity, Reserved: got})
		requested += it.Quantity
		reserved += got
	}
	if len(short) == 0 {
		return domain.ReservationReserved, ""
	}
	reason := "insufficient stock: " + strings.Join(short, ", ")
	if mode == domain.ModeAllOrNothing || reserved == 0 {
		for i := range r.Items {
			r.Items[i].Reserved = 0
		}
		return domain.ReservationFailed, reason
	}
	return domain.ReservationPartial, reason
}

type ReleaseRequest struct {
	ReservationID string
	// Items limits the release to these quantities. Empty releases everything outstanding.
	Items  []ItemQuantity
	Reason string
}

// Release returns outstanding units to available stock. Releasing what was already
// released or confirmed is a no-op.
func (m *Manager) Release(ctx context.Context, req ReleaseRequest) (*domain.Reservation, error) {
	return m.unwind(ctx, req.ReservationID, req.Items, req.Reason,
		domain.ReservationReleased, domain.MovementRelease, domain.EventReservationReleased)
}

// Cancel releases everything outstanding and marks the reservation cancelled.
func (m *Manager) Cancel(ctx context.Context, reservationID, reason string) (*domain.Reservation, error) {
	return m.unwind(ctx, reservationID, nil, reason,
		domain.ReservationCancelled, domain.MovementRelease, domain.EventReservationCancelled)
}

func (m *Manager) unwind(ctx context.Context, id string, items []ItemQuantity, reason string,
	final domain.ReservationStatus, mt domain.MovementType, event string) (*domain.Reservation, error) {
	want, err := normalize(items)
	if err != nil && len(items) > 0 {
		return nil, err
	}

	var result *domain.Reservation
	var released int
	err = retry.Do(ctx, m.policy, func(ctx context.Context) error {
		released = 0
		return m.store.WithReservation(ctx, id, func(b *Batch, r *domain.Reservation) error {
			result = r
			if !r.Status.Active() {
				return nil
			}
			now := m.now()
			targets := want
			if len(targets) == 0 {
				targets = outstanding(r)
			}
			for _, t := range targets {
				n, err := r.ReleaseItem(t.ProductID, t.Quantity)
				if err != nil {
					return err
				}
				if n == 0 {
					continue
				}
				before, after, err := b.Mutate(t.ProductID, func(s *domain.Stock) error {
					s.UpdatedAt = now
					return s.Release(n)
				})
				if err != nil {
					return err
				}
				b.Record(domain.NewMovement(m.newID(), mt, before, after, n, r.ID, reason, now))
				released += n
			}
			settled := r.Settle(final, now)
			if released == 0 && !settled {
				return nil
			}
			r.Reason = reason
			r.UpdatedAt = now
			r.Version++
			b.Put(r)
			return b.Emit(AggregateReservation, event, r.ID, r.Version, notification(r))
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s reservation %s: %w", mt, id, err)
	}
	if released > 0 {
		m.log.Info("reservation released", "reservation_id", id, "order_id", result.OrderID,
			"quantity", released, "status", result.Status, "reason", reason)
	}
	return result, nil
}

type ConfirmRequest struct {
	ReservationID string
	// Items limits the confirmation. Empty confirms everything outstanding.
	Items []ItemQuantity
}

// Confirm removes reserved units from stock permanently. Confirming an already confirmed
// reservation is a no-op; confirming one that expired or was released fails.
func (m *Manager) Confirm(ctx context.Context, req ConfirmRequest) (*domain.Reservation, error) {
	want, err := normalize(req.Items)
	if err != nil && len(req.Items) > 0 {
		return nil, err
	}

	var result *domain.Reservation
	err = retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.store.WithReservation(ctx, req.ReservationID, func(b *Batch, r *domain.Reservation) error {
			result = r
			switch {
			case r.Status == domain.ReservationConfirmed:
				return nil
			case !r.Status.Active():
				return fmt.Errorf("%w: reservation %s is %s", apperr.ErrInvalidTransition, r.ID, r.Status)
			}
			now := m.now()
			targets := want
			if len(targets) == 0 {
				targets = outstanding(r)
			}
			confirmed := 0
			for _, t := range targets {
				n, err := r.ConfirmItem(t.ProductID, t.Quantity)
				if err != nil {
					return err
				}
				if n == 0 {
					continue
				}
				before, after, err := b.Mutate(t.ProductID, func(s *domain.Stock) error {
					s.UpdatedAt = now
					return s.Confirm(n)
				})
				if err != nil {
					return err
				}
				b.Record(domain.NewMovement(m.newID(), domain.MovementConfirm, before, after, n, r.ID, "", now))
				confirmed += n
			}
			settled := r.Settle(domain.ReservationConfirmed, now)
			if confirmed == 0 && !settled {
				return nil
			}
			r.UpdatedAt = now
			r.Version++
			b.Put(r)
			return b.Emit(AggregateReservation, domain.EventReservationConfirmed, r.ID, r.Version, notification(r))
		})
	})
	if err != nil {
		return nil, fmt.Errorf("confirm reservation %s: %w", req.ReservationID, err)
	}
	m.log.Info("reservation confirmed", "reservation_id", result.ID, "order_id", result.OrderID, "status", result.Status)
	return result, nil
}

// ExpireReservation auto-releases a reservation past its expiry. The status check and
// the transition happen under the reservation's lock, so concurrent sweepers expire it
// exactly once. It reports whether this call performed the transition.
func (m *Manager) ExpireReservation(ctx context.Context, id string) (bool, error) {
	var expired bool
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		expired = false
		return m.store.WithReservation(ctx, id, func(b *Batch, r *domain.Reservation) error {
			now := m.now()
			if !r.Expired(now) {
				return nil
			}
			for _, t := range outstanding(r) {
				n, err := r.ReleaseItem(t.ProductID, t.Quantity)
				if err != nil {
					return err
				}
				before, after, err := b.Mutate(t.ProductID, func(s *domain.Stock) error {
					s.UpdatedAt = now
					return s.Release(n)
				})
				if err != nil {
					return err
				}
				b.Record(domain.NewMovement(m.newID(), domain.MovementExpire, before, after, n, r.ID, "expired", now))
			}
			r.Settle(domain.ReservationExpired, now)
			r.Reason = "expired"
			r.Version++
			b.Put(r)
			expired = true
			return b.Emit(AggregateReservation, domain.EventReservationExpired, r.ID, r.Version, notification(r))
		})
	})
	if err != nil {
		return false, fmt.Errorf("expire reservation %s: %w", id, err)
	}
	if expired {
		m.log.Info("reservation expired", "reservation_id", id)
	}
	return expired, nil
}

// SweepExpired expires up to limit overdue reservations and returns how many it expired.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	ids, err := m.store.Expired(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}
	var errs error
	n := 0
	for _, id := range ids {
		ok, err := m.ExpireReservation(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return n, errors.Join(errs, err)
			}
			errs = errors.Join(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errs
}

// Restock adds units to a product, creating it if needed.
func (m *Manager) Restock(ctx context.Context, productID string, qty int, reason string) (domain.Stock, error) {
	if productID == "" {
		return domain.Stock{}, fmt.Errorf("%w: product id is required", apperr.ErrValidation)
	}
	if qty <= 0 {
		return domain.Stock{}, fmt.Errorf("%w: restock quantity must be positive", apperr.ErrValidation)
	}
	var result domain.Stock
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.store.WithProducts(ctx, []string{productID}, func(b *Batch) error {
			now := m.now()
			before, after, err := b.Mutate(productID, func(s *domain.Stock) error {
				s.UpdatedAt = now
				return s.Restock(qty)
			})
			if err != nil {
				return err
			}
			b.Record(domain.NewMovement(m.newID(), domain.MovementRestock, before, after, qty, "", reason, now))
			result = after
			return b.Emit(AggregateStock, domain.EventStockRestocked, productID, after.Version, domain.StockNotification{
				ProductID: productID, Available: after.Available, Reserved: after.Reserved, Version: after.Version,
			})
		})
	})
	if err != nil {
		return domain.Stock{}, fmt.Errorf("restock %s: %w", productID, err)
	}
	m.log.Info("restocked", "product_id", productID, "quantity", qty, "available", result.Available)
	return result, nil
}

func (m *Manager) Stock(ctx context.Context, productID string) (domain.Stock, error) {
	return m.store.Stock(ctx, productID)
}

// CheckAvailability reports whether every item could be reserved right now. It takes no locks.
func (m *Manager) CheckAvailability(ctx context.Context, items []ItemQuantity) (Availability, error) {
	want, err := normalize(items)
	if err != nil {
		return Availability{}, err
	}
	res := Availability{Available: true}
	for _, it := range want {
		s, err := m.store.Stock(ctx, it.ProductID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			s = domain.Stock{ProductID: it.ProductID}
		case err != nil:
			return Availability{}, err
		}
		res.Items = append(res.Items, ItemAvailability{ProductID: it.ProductID, Requested: it.Quantity, Available: s.Available})
		if !s.CanReserve(it.Quantity) {
			res.Available = false
		}
	}
	return res, nil
}

func (m *Manager) Reservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return m.store.Reservation(ctx, id)
}

func (m *Manager) ReservationForOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	return m.store.ReservationForOrder(ctx, orderID)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	stocks, err := m.store.Stocks(ctx)
	if err != nil {
		return Stats{}, err
	}
	counts, err := m.store.ReservationCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Products: len(stocks), Reservations: counts}
	for _, s := range stocks {
		st.TotalAvailable += s.Available
		st.TotalReserved += s.Reserved
		if m.lowStock > 0 && s.Available < m.lowStock {
			st.LowStock = append(st.LowStock, s.ProductID)
		}
	}
	slices.Sort(st.LowStock)
	return st, nil
}

// normalize rejects negative quantities and merges duplicate products, ordered by product id.
func normalize(items []ItemQuantity) ([]ItemQuantity, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", apperr.ErrValidation)
	}
	merged := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, fmt.Errorf("%w: product id is required", apperr.ErrValidation)
		}
		if it.Quantity < 0 {
			return nil, fmt.Errorf("%w: negative quantity for %s", apperr.ErrValidation, it.ProductID)
		}
		merged[it.ProductID] += it.Quantity
	}
	out := make([]ItemQuantity, 0, len(merged))
	for id, q := range merged {
		out = append(out, ItemQuantity{ProductID: id, Quantity: q})
	}
	slices.SortFunc(out, func(a, b ItemQuantity) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out, nil
}

func outstanding(r *domain.Reservation) []ItemQuantity {
	out := make([]ItemQuantity, 0, len(r.Items))
	for _, it := range r.Items {
		if n := it.Outstanding(); n > 0 {
			out = append(out, ItemQuantity{ProductID: it.ProductID, Quantity: n})
		}
	}
	return out
}

func outcomeOf(r *domain.Reservation) Outcome {
	return Outcome{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		Status:        r.Status,
		Items:         slices.Clone(r.Items),
		Reason:        r.Reason,
		ExpiresAt:     r.ExpiresAt,
	}
}

func notification(r *domain.Reservation) domain.ReservationNotification {
	return domain.ReservationNotification{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		Status:        r.Status,
		Items:         slices.Clone(r.Items),
		Reason:        r.Reason,
		ExpiresAt:     r.ExpiresAt,
		Version:       r.Version,
	}
}
