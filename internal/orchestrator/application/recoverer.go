package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// Recoverer resumes sagas that stopped before reaching a terminal state, such as those
// halted for reconciliation or interrupted by a restart.
type Recoverer struct {
	log        *slog.Logger
	coord      *Coordinator
	sagas      SagaRepository
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	now        func() time.Time
}

func NewRecoverer(log *slog.Logger, coord *Coordinator, sagas SagaRepository, interval, staleAfter time.Duration) *Recoverer {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * interval
	}
	return &Recoverer{
		log:        log,
		coord:      coord,
		sagas:      sagas,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      50,
		now:        coord.now,
	}
}

func (r *Recoverer) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("recoverer stopping")
			return nil
		case <-t.C:
			if _, err := r.RecoverOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("saga recovery failed", "err", err)
			}
		}
	}
}

// RecoverOnce resumes one batch of stalled sagas and reports how many reached a
// terminal state.
func (r *Recoverer) RecoverOnce(ctx context.Context) (int, error) {
	stalled, err := r.sagas.Pending(ctx, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, s := range stalled {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		_, err := r.coord.Reconcile(ctx, s.OrderID)
		if errors.Is(err, apperr.ErrNotFound) {
			// the order was never recorded
			s.State = domain.StateFailed
			s.LastError = err.Error()
			r.coord.saveSaga(ctx, &s)
			done++
			continue
		}
		if err != nil && !apperr.IsBusiness(err) {
			r.log.Warn("saga still unresolved", "order_id", s.OrderID, "err", err)
			if cur, gerr := r.sagas.Get(ctx, s.OrderID); gerr == nil && cur.UpdatedAt.Equal(s.UpdatedAt) {
				r.coord.saveSaga(ctx, &cur)
			}
			continue
		}
		done++
	}
	if len(stalled) > 0 {
		r.log.Info("saga recovery", "stalled", len(stalled), "resolved", done)
	}
	return done, nil
}
