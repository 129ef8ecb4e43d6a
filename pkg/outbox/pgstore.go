package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the outbox table. idempotency_key is unique so replays of the same
// fact inside a retried transaction collapse to one row.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id              BIGSERIAL PRIMARY KEY,
	aggregate_type  TEXT NOT NULL,
	aggregate_id    TEXT NOT NULL,
	type            TEXT NOT NULL,
	version         BIGINT NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         JSONB NOT NULL,
	headers         JSONB NOT NULL DEFAULT '{}'::jsonb,
	traceparent     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	relay_id        TEXT,
	lease_until     TIMESTAMPTZ,
	retry_count     INT NOT NULL DEFAULT 0,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS outbox_status_idx ON outbox (status, id);
`

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func Migrate(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Insert queues events on tx. It must run inside the transaction that changes the state
// the events describe.
func Insert(ctx context.Context, tx Batcher, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		headers := e.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		key := e.Key
		if key == "" {
			key = IdempotencyKey(e.Type, e.AggregateID, e.Version)
		}
		batch.Queue(`INSERT INTO outbox (aggregate_type, aggregate_id, type, version, idempotency_key, payload, headers, traceparent, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
			ON CONFLICT (idempotency_key) DO NOTHING`,
			e.AggregateType, e.AggregateID, e.Type, e.Version, key, json.RawMessage(e.Payload), headers, e.Traceparent)
	}
	return tx.SendBatch(ctx, batch).Close()
}

type PGStore struct {
	log        *slog.Logger
	pool       *pgxpool.Pool
	maxRetries int
	aggregates []string
}

// NewPGStore relays rows of the given aggregate types, or every row when none are given.
// Services sharing one database each relay their own aggregates.
func NewPGStore(log *slog.Logger, pool *pgxpool.Pool, maxRetries int, aggregateTypes ...string) *PGStore {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if aggregateTypes == nil {
		aggregateTypes = []string{}
	}
	return &PGStore{log: log, pool: pool, maxRetries: maxRetries, aggregates: aggregateTypes}
}

// LockBatch leases pending rows plus in-progress rows whose lease has lapsed.
func (s *PGStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, type, version, idempotency_key, payload, headers, traceparent, created_at, retry_count
		FROM outbox
		WHERE (status = 'pending' OR (status = 'in_progress' AND lease_until < now()))
		  AND (cardinality($2::text[]) = 0 OR aggregate_type = ANY($2))
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize, s.aggregates)
	if err != nil {
		return nil, err
	}

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Type, &e.Version, &e.Key, &e.Payload, &e.Headers, &e.Traceparent, &e.CreatedAt, &e.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		e.Status = StatusInProgress
		e.RelayID = relayID
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := remaining(events)
	_, err = tx.Exec(ctx, `UPDATE outbox SET status='in_progress', relay_id=$1, lease_until=now() + make_interval(secs => $2) WHERE id = ANY($3)`,
		relayID, lease.Seconds(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PGStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE outbox SET status='sent', lease_until=NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("no rows updated")
	}
	return nil
}

// MarkFailed returns the row to pending until it has failed maxRetries times.
func (s *PGStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    lease_until = NULL,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, errMsg, s.maxRetries)
	return err
}

func (s *PGStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET lease_until=now() + make_interval(secs => $1) WHERE id = ANY($2) AND relay_id=$3`,
		lease.Seconds(), ids, relayID)
	return err
}
