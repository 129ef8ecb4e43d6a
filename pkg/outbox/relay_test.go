package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	pending []Event
	sent    []int64
	failed  map[int64]string
}

func (s *fakeStore) LockBatch(_ context.Context, relayID string, batchSize int, _ time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(batchSize, len(s.pending))
	out := s.pending[:n]
	s.pending = s.pending[n:]
	for i := range out {
		out[i].RelayID = relayID
	}
	return out, nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = map[int64]string{}
	}
	s.failed[id] = msg
	return nil
}

func (s *fakeStore) ExtendLease(context.Context, string, []int64, time.Duration) error { return nil }

type fakeProducer struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	failOn string
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if string(m.Key) == p.failOn {
			return errors.New("broker unavailable")
		}
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestRelay_FlushPublishesAndMarksSent(t *testing.T) {
	e1 := NewEvent("order", "O1", "OrderCreated", 1, []byte(`{}`))
	e1.ID = 1
	e2 := NewEvent("order", "O2", "OrderCreated", 1, []byte(`{}`))
	e2.ID = 2
	store := &fakeStore{pending: []Event{e1, e2}}
	prod := &fakeProducer{failOn: "O2"}
	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), prod, "orders"), "r1")

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, store.sent)
	assert.Contains(t, store.failed, int64(2))

	require.Len(t, prod.msgs, 1)
	m := prod.msgs[0]
	assert.Equal(t, "orders", m.Topic)
	assert.Equal(t, "OrderCreated", header(m, HeaderEventType))
	assert.Equal(t, "OrderCreated:O1:1", header(m, HeaderIdempotencyKey))
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), &fakeProducer{}, "orders"), "r1",
		WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(context.Background(),
		NewEvent("inventory", "R1", "ReservationCreated", 1, nil),
		NewEvent("inventory", "R1", "ReservationConfirmed", 2, nil)))

	assert.Equal(t, []string{"ReservationCreated", "ReservationConfirmed"}, r.Types())
	assert.Equal(t, "ReservationConfirmed:R1:2", r.Events()[1].Key)
}
