package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/internal/testenv"
	"github.com/dmehra2102/orderflow/pkg/logging"
)

func TestStoreAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	pool := testenv.Postgres(t)
	store := NewStore(logging.Discard(), pool)
	require.NoError(t, store.Migrate(ctx))

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := application.NewManager(logging.Discard(), store,
		application.WithClock(clock),
		application.WithTimeout(10*time.Minute))

	_, err := m.Restock(ctx, "P1", 5, "initial")
	require.NoError(t, err)
	_, err = m.Restock(ctx, "P2", 50, "initial")
	require.NoError(t, err)

	t.Run("concurrent reservations never oversell", func(t *testing.T) {
		var wg sync.WaitGroup
		outcomes := make([]application.Outcome, 12)
		errs := make([]error, 12)
		for i := range outcomes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// half the orders list products in the opposite order
				items := []application.ItemQuantity{{ProductID: "P1", Quantity: 1}, {ProductID: "P2", Quantity: 1}}
				if i%2 == 1 {
					items[0], items[1] = items[1], items[0]
				}
				outcomes[i], errs[i] = m.Reserve(ctx, application.ReserveRequest{OrderID: fmt.Sprintf("O%d", i), Items: items})
			}(i)
		}
		wg.Wait()

		reserved := 0
		for i, out := range outcomes {
			require.NoError(t, errs[i])
			if out.Succeeded() {
				reserved++
			}
		}
		assert.Equal(t, 5, reserved)

		p1, err := m.Stock(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, 0, p1.Available)
		assert.Equal(t, 5, p1.Reserved)
		p2, err := m.Stock(ctx, "P2")
		require.NoError(t, err)
		assert.Equal(t, 45, p2.Available)
		assert.Equal(t, 5, p2.Reserved)
	})

	t.Run("expired reservations return stock", func(t *testing.T) {
		mu.Lock()
		now = now.Add(11 * time.Minute)
		mu.Unlock()

		n, err := m.SweepExpired(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		p1, err := m.Stock(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, 5, p1.Available)
		assert.Equal(t, 0, p1.Reserved)

		n, err = m.SweepExpired(ctx, 100)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("confirm consumes reserved stock", func(t *testing.T) {
		out, err := m.Reserve(ctx, application.ReserveRequest{
			OrderID: "confirm",
			Items:   []application.ItemQuantity{{ProductID: "P1", Quantity: 2}},
		})
		require.NoError(t, err)
		require.True(t, out.Succeeded())

		r, err := m.Confirm(ctx, application.ConfirmRequest{ReservationID: out.ReservationID})
		require.NoError(t, err)
		assert.Equal(t, domain.ReservationConfirmed, r.Status)

		p1, err := m.Stock(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, 3, p1.Available)
		assert.Equal(t, 0, p1.Reserved)

		var pending int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM outbox WHERE aggregate_type='reservation' AND aggregate_id=$1`, out.ReservationID).Scan(&pending))
		assert.Equal(t, 2, pending)
	})

	t.Run("concurrent restocks of a new product all count", func(t *testing.T) {
		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Restock(ctx, "P-new", 3, "delivery")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		st, err := m.Stock(ctx, "P-new")
		require.NoError(t, err)
		assert.Equal(t, writers*3, st.Available)

		var movements int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM stock_movements WHERE product_id='P-new' AND type=$1`, string(domain.MovementRestock)).Scan(&movements))
		assert.Equal(t, writers, movements)
	})
}
