// Package idempotency records which messages a consumer has already handled.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, prefix: "idem"}
}

// MessageKey identifies a message by the idempotency key its producer stamped on it,
// falling back to its log position.
func MessageKey(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == outbox.HeaderIdempotencyKey && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}

// Seen marks key as handled and reports whether it already was.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+":"+key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}

	return !ok, nil
}

// Forget clears key so a message whose handling failed is processed on redelivery.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+":"+key).Err()
}
