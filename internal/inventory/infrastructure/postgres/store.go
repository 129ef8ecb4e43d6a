package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

const schema = `
CREATE TABLE IF NOT EXISTS stocks (
	product_id TEXT PRIMARY KEY,
	available  INT NOT NULL CHECK (available >= 0),
	reserved   INT NOT NULL CHECK (reserved >= 0),
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL,
	items      JSONB NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reservations_order_idx ON reservations (order_id, created_at DESC);
CREATE INDEX IF NOT EXISTS reservations_due_idx ON reservations (expires_at) WHERE status IN ('reserved', 'partial');
CREATE TABLE IF NOT EXISTS stock_movements (
	id               TEXT PRIMARY KEY,
	product_id       TEXT NOT NULL,
	type             TEXT NOT NULL,
	quantity         INT NOT NULL,
	reservation_id   TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	available_before INT NOT NULL,
	available_after  INT NOT NULL,
	reserved_before  INT NOT NULL,
	reserved_after   INT NOT NULL,
	at               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stock_movements_product_idx ON stock_movements (product_id, at);
`

const reservationColumns = `id, order_id, mode, status, items, reason, version, created_at, expires_at, updated_at`

// Store keeps inventory in Postgres. Stock rows are locked with SELECT ... FOR UPDATE in
// product id order; an advisory lock per order serializes reservation lifecycles.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ application.Store = (*Store)(nil)

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return err
	}
	return outbox.Migrate(ctx, s.pool)
}

func (s *Store) WithOrder(ctx context.Context, orderID string, productIDs []string, fn func(*application.Batch, *domain.Reservation) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) (*application.Batch, error) {
		if err := lockOrder(ctx, tx, orderID); err != nil {
			return nil, err
		}
		b, err := lockStocks(ctx, tx, productIDs)
		if err != nil {
			return nil, err
		}
		holding, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID))
		if errors.Is(err, pgx.ErrNoRows) {
			holding, err = nil, nil
		}
		if err != nil {
			return nil, apperr.Transient(err)
		}
		return b, fn(b, holding)
	})
}

func (s *Store) WithReservation(ctx context.Context, reservationID string, fn func(*application.Batch, *domain.Reservation) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) (*application.Batch, error) {
		var orderID string
		err := tx.QueryRow(ctx, `SELECT order_id FROM reservations WHERE id=$1`, reservationID).Scan(&orderID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", reservationID, apperr.ErrNotFound)
		}
		if err != nil {
			return nil, apperr.Transient(err)
		}
		if err := lockOrder(ctx, tx, orderID); err != nil {
			return nil, err
		}
		r, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1 FOR UPDATE`, reservationID))
		if err != nil {
			return nil, apperr.Transient(err)
		}
		b, err := lockStocks(ctx, tx, r.ProductIDs())
		if err != nil {
			return nil, err
		}
		return b, fn(b, r)
	})
}

func (s *Store) WithProducts(ctx context.Context, productIDs []string, fn func(*application.Batch) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) (*application.Batch, error) {
		// FOR UPDATE cannot lock a row that does not exist yet; create it empty so two
		// writers to a new product queue on the same row
		if _, err := tx.Exec(ctx, `INSERT INTO stocks (product_id, available, reserved)
			SELECT id FROM unnest($1::text[]) AS id ORDER BY id
			ON CONFLICT (product_id) DO NOTHING`, productIDs); err != nil {
			return nil, apperr.Transient(err)
		}
		b, err := lockStocks(ctx, tx, productIDs)
		if err != nil {
			return nil, err
		}
		return b, fn(b)
	})
}

// inTx runs work in a transaction and writes the batch it returns before committing.
func (s *Store) inTx(ctx context.Context, work func(pgx.Tx) (*application.Batch, error)) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Transient(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	b, err := work(tx)
	if err != nil {
		return err
	}
	if err := write(ctx, tx, b); err != nil {
		return apperr.Transient(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Transient(err)
	}
	return nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('order:' || $1))`, orderID); err != nil {
		return apperr.Transient(err)
	}
	return nil
}

// lockStocks takes row locks in ascending product order so overlapping reservations
// cannot deadlock.
func lockStocks(ctx context.Context, tx pgx.Tx, productIDs []string) (*application.Batch, error) {
	rows, err := tx.Query(ctx, `SELECT product_id, available, reserved, version, updated_at
		FROM stocks WHERE product_id = ANY($1) ORDER BY product_id FOR UPDATE`, productIDs)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	stocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Stock, error) {
		var st domain.Stock
		err := row.Scan(&st.ProductID, &st.Available, &st.Reserved, &st.Version, &st.UpdatedAt)
		return st, err
	})
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return application.NewBatch(stocks), nil
}

func write(ctx context.Context, tx pgx.Tx, b *application.Batch) error {
	batch := &pgx.Batch{}
	for _, st := range b.Changed() {
		batch.Queue(`INSERT INTO stocks (product_id, available, reserved, version, updated_at) VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (product_id) DO UPDATE SET available=$2, reserved=$3, version=$4, updated_at=$5`,
			st.ProductID, st.Available, st.Reserved, st.Version, st.UpdatedAt)
	}
	for _, r := range b.Reservations() {
		batch.Queue(`INSERT INTO reservations (`+reservationColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET status=$4, items=$5, reason=$6, version=$7, updated_at=$10`,
			r.ID, r.OrderID, string(r.Mode), string(r.Status), r.Items, r.Reason, r.Version, r.CreatedAt, r.ExpiresAt, r.UpdatedAt)
	}
	for _, m := range b.Movements() {
		batch.Queue(`INSERT INTO stock_movements (id, product_id, type, quantity, reservation_id, reason,
			available_before, available_after, reserved_before, reserved_after, at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			m.ID, m.ProductID, string(m.Type), m.Quantity, m.ReservationID, m.Reason,
			m.AvailableBefore, m.AvailableAfter, m.ReservedBefore, m.ReservedAfter, m.At)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	events := b.Events()
	if tp := tracing.Traceparent(ctx); tp != "" {
		for i := range events {
			events[i].Traceparent = tp
		}
	}
	return outbox.Insert(ctx, tx, events...)
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var r domain.Reservation
	var mode, status string
	if err := row.Scan(&r.ID, &r.OrderID, &mode, &status, &r.Items, &r.Reason, &r.Version, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Mode = domain.Mode(mode)
	r.Status = domain.ReservationStatus(status)
	return &r, nil
}

func (s *Store) Stock(ctx context.Context, productID string) (domain.Stock, error) {
	var st domain.Stock
	err := s.pool.QueryRow(ctx, `SELECT product_id, available, reserved, version, updated_at FROM stocks WHERE product_id=$1`, productID).
		Scan(&st.ProductID, &st.Available, &st.Reserved, &st.Version, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stock{}, fmt.Errorf("product %s: %w", productID, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.Stock{}, apperr.Transient(err)
	}
	return st, nil
}

func (s *Store) Stocks(ctx context.Context) ([]domain.Stock, error) {
	rows, err := s.pool.Query(ctx, `SELECT product_id, available, reserved, version, updated_at FROM stocks ORDER BY product_id`)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	stocks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Stock, error) {
		var st domain.Stock
		err := row.Scan(&st.ProductID, &st.Available, &st.Reserved, &st.Version, &st.UpdatedAt)
		return st, err
	})
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return stocks, nil
}

func (s *Store) Reservation(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return r, nil
}

func (s *Store) ReservationForOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation for order %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return r, nil
}

func (s *Store) Expired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM reservations
		WHERE status IN ('reserved', 'partial') AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperr.Transient(err)
	}
	return ids, nil
}

func (s *Store) ReservationCounts(ctx context.Context) (map[domain.ReservationStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM reservations GROUP BY status`)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	defer rows.Close()
	counts := make(map[domain.ReservationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Transient(err)
		}
		counts[domain.ReservationStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient(err)
	}
	return counts, nil
}
