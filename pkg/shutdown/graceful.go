// Package shutdown ties a service's long-running loops to process signals.
package shutdown

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// WithSignals returns a context cancelled on SIGINT or SIGTERM.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// Group runs named loops until the first one fails or the parent context ends, then
// cancels the rest.
type Group struct {
	log *slog.Logger
	g   *errgroup.Group
	ctx context.Context
}

func NewGroup(ctx context.Context, log *slog.Logger) *Group {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{log: log, g: g, ctx: gctx}
}

// Context is cancelled once any loop returns an error.
func (g *Group) Context() context.Context { return g.ctx }

func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.g.Go(func() error {
		g.log.Info("starting", "component", name)
		err := fn(g.ctx)
		if err != nil {
			g.log.Error("stopped with error", "component", name, "err", err)
			return err
		}
		g.log.Info("stopped", "component", name)
		return nil
	})
}

// Wait blocks until every loop has returned.
func (g *Group) Wait() error { return g.g.Wait() }

// Drain runs each stop function with a shared deadline, once the loops are done.
func Drain(log *slog.Logger, timeout time.Duration, stops ...func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, stop := range stops {
		if err := stop(ctx); err != nil {
			log.Warn("shutdown step failed", "err", err)
		}
	}
}
