// Package memory is an in-process inventory store. Product and order locks come from
// keylock registries so concurrent reservations behave as they do against Postgres.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/keylock"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Store struct {
	log  *slog.Logger
	sink outbox.Sink

	orders   *keylock.Registry
	products *keylock.Registry

	mu           sync.RWMutex
	stocks       map[string]domain.Stock
	reservations map[string]*domain.Reservation
	byOrder      map[string]string
	movements    []domain.Movement
}

var _ application.Store = (*Store)(nil)

// NewStore returns an empty store. Committed notifications go to sink when it is non-nil.
func NewStore(log *slog.Logger, sink outbox.Sink) *Store {
	return &Store{
		log:          log,
		sink:         sink,
		orders:       keylock.New(),
		products:     keylock.New(),
		stocks:       make(map[string]domain.Stock),
		reservations: make(map[string]*domain.Reservation),
		byOrder:      make(map[string]string),
	}
}

// SetStock overwrites a product's counters without locking or auditing. Intended for seeding.
func (s *Store) SetStock(st domain.Stock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stocks[st.ProductID] = st
}

func (s *Store) WithOrder(ctx context.Context, orderID string, productIDs []string, fn func(*application.Batch, *domain.Reservation) error) error {
	unlockOrder, err := s.orders.Lock(ctx, orderID)
	if err != nil {
		return apperr.Transient(err)
	}
	defer unlockOrder()

	return s.withProducts(ctx, productIDs, func(b *application.Batch) error {
		s.mu.RLock()
		var holding *domain.Reservation
		if id, ok := s.byOrder[orderID]; ok {
			holding = s.reservations[id].Clone()
		}
		s.mu.RUnlock()
		return fn(b, holding)
	})
}

func (s *Store) WithReservation(ctx context.Context, reservationID string, fn func(*application.Batch, *domain.Reservation) error) error {
	r, err := s.Reservation(ctx, reservationID)
	if err != nil {
		return err
	}
	unlockOrder, err := s.orders.Lock(ctx, r.OrderID)
	if err != nil {
		return apperr.Transient(err)
	}
	defer unlockOrder()

	return s.withProducts(ctx, r.ProductIDs(), func(b *application.Batch) error {
		// reread under the order lock
		current, err := s.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		return fn(b, current)
	})
}

func (s *Store) WithProducts(ctx context.Context, productIDs []string, fn func(*application.Batch) error) error {
	return s.withProducts(ctx, productIDs, fn)
}

func (s *Store) withProducts(ctx context.Context, productIDs []string, fn func(*application.Batch) error) error {
	unlock, err := s.products.LockAll(ctx, productIDs)
	if err != nil {
		return apperr.Transient(err)
	}
	defer unlock()

	s.mu.RLock()
	locked := make([]domain.Stock, 0, len(productIDs))
	for _, id := range productIDs {
		if st, ok := s.stocks[id]; ok {
			locked = append(locked, st)
		}
	}
	s.mu.RUnlock()

	b := application.NewBatch(locked)
	if err := fn(b); err != nil {
		return err
	}
	s.commit(ctx, b)
	return nil
}

func (s *Store) commit(ctx context.Context, b *application.Batch) {
	s.mu.Lock()
	for _, st := range b.Changed() {
		s.stocks[st.ProductID] = st
	}
	for _, r := range b.Reservations() {
		if _, exists := s.reservations[r.ID]; !exists {
			s.byOrder[r.OrderID] = r.ID
		}
		s.reservations[r.ID] = r.Clone()
	}
	s.movements = append(s.movements, b.Movements()...)
	s.mu.Unlock()

	if s.sink == nil || len(b.Events()) == 0 {
		return
	}
	if err := s.sink.Publish(ctx, b.Events()...); err != nil {
		s.log.Error("publish inventory notifications", "count", len(b.Events()), "err", err)
	}
}

func (s *Store) Stock(_ context.Context, productID string) (domain.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stocks[productID]
	if !ok {
		return domain.Stock{}, fmt.Errorf("product %s: %w", productID, apperr.ErrNotFound)
	}
	return st, nil
}

func (s *Store) Stocks(context.Context) ([]domain.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b domain.Stock) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return out, nil
}

func (s *Store) Reservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, apperr.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) ReservationForOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	s.mu.RLock()
	id, ok := s.byOrder[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("reservation for order %s: %w", orderID, apperr.ErrNotFound)
	}
	return s.Reservation(ctx, id)
}

func (s *Store) Expired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	var due []*domain.Reservation
	for _, r := range s.reservations {
		if r.Expired(now) {
			due = append(due, r)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(due, func(a, b *domain.Reservation) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *Store) ReservationCounts(context.Context) (map[domain.ReservationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.ReservationStatus]int)
	for _, r := range s.reservations {
		counts[r.Status]++
	}
	return counts, nil
}

// Movements returns the audit trail for productID, oldest first.
func (s *Store) Movements(productID string) []domain.Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Movement
	for _, m := range s.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out
}
