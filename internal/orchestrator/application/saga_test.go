package application_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/logging"
)

type trace struct{ calls []string }

func (tr *trace) step(name string, err error) application.Step {
	return application.Step{
		Name: name,
		Action: func(context.Context) error {
			tr.calls = append(tr.calls, "do:"+name)
			return err
		},
		Compensate: func(context.Context) error {
			tr.calls = append(tr.calls, "undo:"+name)
			return nil
		},
	}
}

func TestRunnerCompensatesInReverse(t *testing.T) {
	tr := &trace{}
	boom := fmt.Errorf("%w: declined", apperr.ErrPaymentDeclined)
	steps := []application.Step{tr.step("a", nil), tr.step("b", nil), tr.step("c", boom), tr.step("d", nil)}

	err := application.NewRunner(logging.Discard()).Run(context.Background(), steps, nil)
	require.ErrorIs(t, err, apperr.ErrPaymentDeclined)

	var se *application.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "c", se.Step)
	assert.NoError(t, se.CompensationErr)
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}, tr.calls)
}

func TestRunnerAttemptsEveryCompensation(t *testing.T) {
	tr := &trace{}
	a := tr.step("a", nil)
	b := tr.step("b", nil)
	b.Compensate = func(context.Context) error {
		tr.calls = append(tr.calls, "undo:b")
		return errors.New("release failed")
	}
	steps := []application.Step{a, b, tr.step("c", errors.New("boom"))}

	ctx, cancel := context.WithCancel(context.Background())
	var phases []application.Phase
	err := application.NewRunner(logging.Discard()).Run(ctx, steps, func(ctx context.Context, step string, p application.Phase, _ error) {
		if step == "c" && p == application.PhaseFailed {
			// compensation must survive the caller going away
			cancel()
		}
		if p == application.PhaseCompensating || p == application.PhaseCompensated || p == application.PhaseCompensationFailed {
			assert.NoError(t, ctx.Err())
		}
		phases = append(phases, p)
	})

	var se *application.StepError
	require.ErrorAs(t, err, &se)
	assert.ErrorContains(t, se.CompensationErr, "b: release failed")
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b", "undo:a"}, tr.calls)
	assert.Contains(t, phases, application.PhaseCompensationFailed)
	assert.Contains(t, phases, application.PhaseCompensated)
}

func TestRunnerHaltsForReconciliation(t *testing.T) {
	tr := &trace{}
	unknown := fmt.Errorf("payment: %w", apperr.ErrReconciliationRequired)
	steps := []application.Step{tr.step("a", nil), tr.step("b", unknown), tr.step("c", nil)}

	err := application.NewRunner(logging.Discard()).Run(context.Background(), steps, nil)
	require.ErrorIs(t, err, apperr.ErrReconciliationRequired)
	assert.Equal(t, []string{"do:a", "do:b"}, tr.calls)
}

func TestRunnerSkipsMissingCompensation(t *testing.T) {
	tr := &trace{}
	a := tr.step("a", nil)
	a.Compensate = nil
	steps := []application.Step{a, tr.step("b", nil), tr.step("c", errors.New("boom"))}

	err := application.NewRunner(logging.Discard()).Run(context.Background(), steps, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "undo:b"}, tr.calls)
}
