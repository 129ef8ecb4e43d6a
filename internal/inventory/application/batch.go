package application

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

// Batch buffers the writes of one locked unit of work. Stores seed it with the rows they
// locked and persist whatever it holds on commit.
type Batch struct {
	stocks       map[string]domain.Stock
	changed      map[string]struct{}
	reservations []*domain.Reservation
	movements    []domain.Movement
	events       []outbox.Event
}

// NewBatch seeds a batch with locked stock rows. Products without a row read as empty.
func NewBatch(locked []domain.Stock) *Batch {
	b := &Batch{
		stocks:  make(map[string]domain.Stock, len(locked)),
		changed: make(map[string]struct{}),
	}
	for _, s := range locked {
		b.stocks[s.ProductID] = s
	}
	return b
}

func (b *Batch) Stock(productID string) domain.Stock {
	if s, ok := b.stocks[productID]; ok {
		return s
	}
	return domain.Stock{ProductID: productID}
}

// Mutate applies fn to a copy of the product's stock and keeps the result only if fn succeeds.
func (b *Batch) Mutate(productID string, fn func(*domain.Stock) error) (before, after domain.Stock, err error) {
	before = b.Stock(productID)
	after = before
	if err := fn(&after); err != nil {
		return before, before, err
	}
	if after.Available == before.Available && after.Reserved == before.Reserved {
		return before, after, nil
	}
	if _, dirty := b.changed[productID]; !dirty {
		after.Version++
	}
	b.stocks[productID] = after
	b.changed[productID] = struct{}{}
	return before, after, nil
}

func (b *Batch) Put(r *domain.Reservation) {
	for i, existing := range b.reservations {
		if existing.ID == r.ID {
			b.reservations[i] = r
			return
		}
	}
	b.reservations = append(b.reservations, r)
}

func (b *Batch) Record(m domain.Movement) {
	b.movements = append(b.movements, m)
}

// Emit queues a notification for the outbox.
func (b *Batch) Emit(aggregateType, eventType, aggregateID string, version int64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	b.events = append(b.events, outbox.NewEvent(aggregateType, aggregateID, eventType, version, data))
	return nil
}

// Changed returns mutated stocks ordered by product id.
func (b *Batch) Changed() []domain.Stock {
	ids := slices.Sorted(maps.Keys(b.changed))
	out := make([]domain.Stock, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.stocks[id])
	}
	return out
}

func (b *Batch) Reservations() []*domain.Reservation { return b.reservations }
func (b *Batch) Movements() []domain.Movement        { return b.movements }
func (b *Batch) Events() []outbox.Event               { return b.events }
