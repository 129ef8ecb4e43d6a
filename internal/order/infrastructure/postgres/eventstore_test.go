package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/internal/testenv"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/logging"
)

func TestEventStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	pool := testenv.Postgres(t)
	store := NewEventStore(logging.Discard(), pool)
	require.NoError(t, store.Migrate(ctx))
	repo := application.NewRepository(logging.Discard(), store)

	o, err := domain.New("O1", "C1", []domain.Item{{ProductID: "P1", Quantity: 2, PriceCents: 500}}, "card")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, o))

	t.Run("round trip", func(t *testing.T) {
		got, err := repo.Load(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, int64(1000), got.TotalCents)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := repo.Load(ctx, "missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("stale writers conflict", func(t *testing.T) {
		writers := make([]*domain.Order, 8)
		for i := range writers {
			w, err := repo.Load(ctx, "O1")
			require.NoError(t, err)
			require.NoError(t, w.ReserveInventory("R1", w.CreatedAt))
			writers[i] = w
		}

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for _, w := range writers {
			wg.Add(1)
			go func(w *domain.Order) {
				defer wg.Done()
				err := repo.Save(ctx, w)
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict):
					conflicts.Add(1)
				}
			}(w)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), conflicts.Load())

		history, err := repo.History(ctx, "O1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, domain.KindInventoryReserved, history[1].Kind())
	})

	t.Run("outbox rows follow committed events", func(t *testing.T) {
		var keys []string
		rows, err := pool.Query(ctx, `SELECT idempotency_key FROM outbox WHERE aggregate_id='O1' ORDER BY id`)
		require.NoError(t, err)
		for rows.Next() {
			var k string
			require.NoError(t, rows.Scan(&k))
			keys = append(keys, k)
		}
		rows.Close()
		assert.Equal(t, []string{"OrderCreated:O1:1", "InventoryReserved:O1:2"}, keys)
	})
}
