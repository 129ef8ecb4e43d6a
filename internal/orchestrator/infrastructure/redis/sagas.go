// Package redis keeps saga records in Redis. Non-terminal sagas are indexed in a sorted
// set scored by their last update so stalled ones can be found without a scan.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

const pendingKey = "sagas:pending"

type SagaRepository struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewSagaRepository keeps terminal sagas for ttl. Zero keeps them forever.
func NewSagaRepository(rdb redis.UniversalClient, ttl time.Duration) *SagaRepository {
	return &SagaRepository{rdb: rdb, ttl: ttl}
}

func sagaKey(orderID string) string { return "saga:" + orderID }

func (r *SagaRepository) Get(ctx context.Context, orderID string) (domain.Saga, error) {
	raw, err := r.rdb.Get(ctx, sagaKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Saga{}, fmt.Errorf("saga %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.Saga{}, apperr.Transient(fmt.Errorf("get saga %s: %w", orderID, err))
	}
	var s domain.Saga
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Saga{}, fmt.Errorf("decode saga %s: %w", orderID, err)
	}
	return s, nil
}

func (r *SagaRepository) Save(ctx context.Context, s domain.Saga) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", s.OrderID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.State.Terminal() {
			pipe.Set(ctx, sagaKey(s.OrderID), raw, r.ttl)
			pipe.ZRem(ctx, pendingKey, s.OrderID)
			return nil
		}
		pipe.Set(ctx, sagaKey(s.OrderID), raw, 0)
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(s.UpdatedAt.UnixMilli()), Member: s.OrderID})
		return nil
	})
	if err != nil {
		return apperr.Transient(fmt.Errorf("save saga %s: %w", s.OrderID, err))
	}
	return nil
}

func (r *SagaRepository) Pending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Saga, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("list pending sagas: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sagaKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("load pending sagas: %w", err))
	}

	out := make([]domain.Saga, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry outlived its record
			r.rdb.ZRem(ctx, pendingKey, ids[i])
			continue
		}
		var s domain.Saga
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("decode saga %s: %w", ids[i], err)
		}
		out = append(out, s)
	}
	return out, nil
}
