package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_events (
	aggregate_id TEXT        NOT NULL,
	version      BIGINT      NOT NULL,
	kind         TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, version)
);
`

const uniqueViolation = "23505"

// EventStore persists order events and their outbox rows in one transaction.
type EventStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewEventStore(log *slog.Logger, pool *pgxpool.Pool) *EventStore {
	return &EventStore{log: log, pool: pool}
}

func (s *EventStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return err
	}
	return outbox.Migrate(ctx, s.pool)
}

func (s *EventStore) Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Transient(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var current int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM order_events WHERE aggregate_id=$1`, aggregateID).Scan(&current); err != nil {
		return apperr.Transient(err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: order %s is at version %d, expected %d", apperr.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	traceparent := tracing.Traceparent(ctx)
	batch := &pgx.Batch{}
	notes := make([]outbox.Event, 0, len(events))
	for i, e := range events {
		m := e.Meta()
		if want := expectedVersion + int64(i) + 1; m.Version != want {
			return fmt.Errorf("%w: event %d has version %d, want %d", apperr.ErrValidation, i, m.Version, want)
		}
		data, err := domain.Marshal(e)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO order_events (aggregate_id, version, kind, payload, occurred_at) VALUES ($1,$2,$3,$4,$5)`,
			aggregateID, m.Version, string(e.Kind()), data, m.OccurredAt)
		note := application.OutboxEvent(e, data)
		note.Traceparent = traceparent
		notes = append(notes, note)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(aggregateID, err)
	}
	if err := outbox.Insert(ctx, tx, notes...); err != nil {
		return apperr.Transient(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(aggregateID, err)
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT kind, payload FROM order_events WHERE aggregate_id=$1 ORDER BY version`, aggregateID)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var kind string
		var data []byte
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, apperr.Transient(err)
		}
		e, err := domain.Unmarshal(domain.Kind(kind), data)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient(err)
	}
	return events, nil
}

// classify turns a lost race on (aggregate_id, version) into a conflict.
func classify(aggregateID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: order %s was appended concurrently", apperr.ErrConcurrencyConflict, aggregateID)
	}
	return apperr.Transient(err)
}
