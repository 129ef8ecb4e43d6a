package application

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue reservations. Several sweepers may run against
// the same store.
type Sweeper struct {
	log      *slog.Logger
	manager  *Manager
	interval time.Duration
	batch    int
}

func NewSweeper(log *slog.Logger, manager *Manager, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{log: log, manager: manager, interval: interval, batch: batch}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			n, err := s.manager.SweepExpired(ctx, s.batch)
			if err != nil && ctx.Err() == nil {
				s.log.Error("expiry sweep failed", "expired", n, "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("expiry sweep", "expired", n)
			}
		}
	}
}
