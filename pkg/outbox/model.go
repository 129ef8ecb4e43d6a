package outbox

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is one notification waiting to be published. Key identifies the fact for
// downstream deduplication and is stable across redeliveries.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Version       int64
	Key           string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	RetryCount    int
	LastError     *string
}

func NewEvent(aggregateType, aggregateID, eventType string, version int64, payload []byte) Event {
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Version:       version,
		Key:           IdempotencyKey(eventType, aggregateID, version),
		Payload:       payload,
		Status:        StatusPending,
	}
}

// IdempotencyKey formats the (eventType, aggregateId, version) triple consumers dedupe on.
func IdempotencyKey(eventType, aggregateID string, version int64) string {
	return fmt.Sprintf("%s:%s:%d", eventType, aggregateID, version)
}
