// Package memory holds an in-process event store for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type record struct {
	kind domain.Kind
	data []byte
}

// EventStore keeps encoded events so that loads always go through the codec, like the
// durable store does.
type EventStore struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string][]record
	sink    outbox.Sink
}

// NewEventStore returns a store that publishes appended events to sink when it is non-nil.
// Publishing happens after the append and its failures are only logged.
func NewEventStore(log *slog.Logger, sink outbox.Sink) *EventStore {
	return &EventStore{log: log, streams: make(map[string][]record), sink: sink}
}

func (s *EventStore) Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}
	encoded := make([]record, 0, len(events))
	notes := make([]outbox.Event, 0, len(events))
	for i, e := range events {
		if want := expectedVersion + int64(i) + 1; e.Meta().Version != want {
			return fmt.Errorf("%w: event %d has version %d, want %d", apperr.ErrValidation, i, e.Meta().Version, want)
		}
		data, err := domain.Marshal(e)
		if err != nil {
			return err
		}
		encoded = append(encoded, record{kind: e.Kind(), data: data})
		notes = append(notes, application.OutboxEvent(e, data))
	}

	s.mu.Lock()
	current := int64(len(s.streams[aggregateID]))
	if current != expectedVersion {
		s.mu.Unlock()
		return fmt.Errorf("%w: order %s is at version %d, expected %d", apperr.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}
	s.streams[aggregateID] = append(s.streams[aggregateID], encoded...)
	s.mu.Unlock()

	if s.sink == nil {
		return nil
	}
	if err := s.sink.Publish(ctx, notes...); err != nil {
		s.log.Error("publish order events", "order_id", aggregateID, "count", len(notes), "err", err)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]domain.Event, error) {
	s.mu.RLock()
	recs := append([]record(nil), s.streams[aggregateID]...)
	s.mu.RUnlock()

	events := make([]domain.Event, 0, len(recs))
	for _, r := range recs {
		e, err := domain.Unmarshal(r.kind, r.data)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
