package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

const schema = `
CREATE TABLE IF NOT EXISTS payments (
	order_id       TEXT PRIMARY KEY,
	amount_cents   BIGINT NOT NULL,
	method         TEXT NOT NULL,
	status         TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	decline_code   TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	attempts       INT NOT NULL DEFAULT 0,
	version        BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return err
	}
	return outbox.Migrate(ctx, r.pool)
}

func (r *Repository) Get(ctx context.Context, orderID string) (domain.Payment, error) {
	var p domain.Payment
	var method, status string
	err := r.pool.QueryRow(ctx, `SELECT order_id, amount_cents, method, status, transaction_id, decline_code, message, attempts, version, created_at, updated_at
		FROM payments WHERE order_id=$1`, orderID).
		Scan(&p.OrderID, &p.AmountCents, &method, &status, &p.TransactionID, &p.DeclineCode, &p.Message, &p.Attempts, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, fmt.Errorf("payment for %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return domain.Payment{}, apperr.Transient(err)
	}
	p.Method = domain.Method(method)
	p.Status = domain.Status(status)
	return p, nil
}

func (r *Repository) Save(ctx context.Context, p domain.Payment, events ...outbox.Event) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Transient(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// the row is only replaced from the version right before p
	tag, err := tx.Exec(ctx, `INSERT INTO payments (order_id, amount_cents, method, status, transaction_id, decline_code, message, attempts, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (order_id) DO UPDATE SET status=$4, transaction_id=$5, decline_code=$6, message=$7, attempts=$8, version=$9, updated_at=$11
		WHERE payments.version = EXCLUDED.version - 1`,
		p.OrderID, p.AmountCents, string(p.Method), string(p.Status), p.TransactionID, p.DeclineCode, p.Message, p.Attempts, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return apperr.Transient(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment for %s moved past version %d", apperr.ErrConcurrencyConflict, p.OrderID, p.Version-1)
	}

	tp := tracing.Traceparent(ctx)
	for i := range events {
		events[i].Traceparent = tp
	}
	if err := outbox.Insert(ctx, tx, events...); err != nil {
		return apperr.Transient(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Transient(err)
	}
	return nil
}
