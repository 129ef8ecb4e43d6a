package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

// Step is one forward action of a saga and the action that undoes it.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError reports the step that failed and, if any, what went wrong while compensating.
// It unwraps to the step's error so callers classify it with errors.Is.
type StepError struct {
	Step            string
	Err             error
	CompensationErr error
}

func (e *StepError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga step %s: %v (compensation: %v)", e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Phase string

const (
	PhaseStarted            Phase = "started"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
	PhaseCompensating       Phase = "compensating"
	PhaseCompensated        Phase = "compensated"
	PhaseCompensationFailed Phase = "compensation_failed"
)

// Hook observes step transitions.
type Hook func(ctx context.Context, step string, phase Phase, err error)

// Runner executes steps in order. When a step fails, the compensations of the steps that
// completed run in reverse order, each attempted even if an earlier one failed. A step
// failing with apperr.ErrReconciliationRequired halts the saga without compensating,
// because its effect is unknown.
type Runner struct {
	log    *slog.Logger
	tracer trace.Tracer
}

func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log, tracer: tracing.Tracer()}
}

func (r *Runner) Run(ctx context.Context, steps []Step, hook Hook) error {
	if hook == nil {
		hook = func(context.Context, string, Phase, error) {}
	}
	for i, step := range steps {
		hook(ctx, step.Name, PhaseStarted, nil)
		err := r.action(ctx, step)
		if err == nil {
			hook(ctx, step.Name, PhaseCompleted, nil)
			continue
		}
		hook(ctx, step.Name, PhaseFailed, err)
		if errors.Is(err, apperr.ErrReconciliationRequired) {
			r.log.Warn("saga halted for reconciliation", "step", step.Name, "err", err)
			return &StepError{Step: step.Name, Err: err}
		}
		return &StepError{Step: step.Name, Err: err, CompensationErr: r.compensate(ctx, steps[:i], hook)}
	}
	return nil
}

func (r *Runner) action(ctx context.Context, step Step) error {
	ctx, span := r.tracer.Start(ctx, "saga."+step.Name)
	defer span.End()
	if err := step.Action(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// compensate undoes done in reverse. It detaches from ctx cancellation so that a caller
// giving up does not leave compensation half finished.
func (r *Runner) compensate(ctx context.Context, done []Step, hook Hook) error {
	ctx = context.WithoutCancel(ctx)
	var errs error
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		hook(ctx, step.Name, PhaseCompensating, nil)
		cctx, span := r.tracer.Start(ctx, "saga.compensate."+step.Name)
		err := step.Compensate(cctx)
		span.End()
		if err != nil {
			r.log.Error("compensation failed", "step", step.Name, "fatal", true, "err", err)
			hook(ctx, step.Name, PhaseCompensationFailed, err)
			errs = errors.Join(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		hook(ctx, step.Name, PhaseCompensated, nil)
	}
	return errs
}
