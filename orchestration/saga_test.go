package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSaga_CompletesSerialStepsInOrder(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("order-fulfilment",
		NewStep("reserve", "Reserve stock", NewCommand("db", "reserve_stock")),
		NewStep("charge", "Charge customer", NewCommand("db", "charge_customer")),
		NewStep("ship", "Schedule shipment", NewCommand("db", "schedule_shipment")),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, SagaStatusCompleted, result.Status)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, result.CompletedSteps)
	assert.Empty(t, result.UnresolvedCompensations)
	assert.Len(t, result.StepResults, 3)

	// Each step is its own local transaction.
	assert.Equal(t, []string{
		"db:begin", "db:exec:reserve_stock", "db:commit",
		"db:begin", "db:exec:charge_customer", "db:commit",
		"db:begin", "db:exec:schedule_shipment", "db:commit",
	}, log.snapshot())

	for _, step := range definition.Steps {
		assert.Equal(t, StepStatusCompleted, step.Status())
	}
}

func TestExecuteSaga_CompensatesInReverseCompletionOrder(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.failOn["finalize"] = errors.New("constraint violation")
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("order-fulfilment",
		NewStep("s1", "First", NewCommand("db", "step_one").WithCompensation("undo_one")),
		NewStep("s2", "Second", NewCommand("db", "step_two").WithCompensation("undo_two")),
		NewStep("s3", "Third", NewCommand("db", "step_three").WithCompensation("undo_three")),
		NewStep("s4", "Finalize", NewCommand("db", "finalize")),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)
	require.False(t, result.Success)

	var sagaErr *SagaExecutionError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, "s4", sagaErr.StepID)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorContains(t, opErr, "constraint violation")

	assert.Equal(t, SagaStatusCompensated, result.Status)
	assert.Equal(t, []string{"s1", "s2", "s3"}, result.CompletedSteps)
	assert.Empty(t, result.UnresolvedCompensations)

	// Compensation runs newest-first over the completed prefix.
	assert.Equal(t, []string{
		"db:exec:undo_three",
		"db:exec:undo_two",
		"db:exec:undo_one",
	}, log.matching(":exec:undo"))

	for _, id := range []string{"s1", "s2", "s3"} {
		step := stepByID(t, definition, id)
		assert.Equal(t, StepStatusCompensated, step.Status())
	}
	assert.Equal(t, StepStatusFailed, stepByID(t, definition, "s4").Status())
}

func TestExecuteSaga_PreconditionFailureStopsBeforeWork(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	coordinator := newTestCoordinator(db)

	// The gated step is declared first, so it runs before its precondition
	// has a chance to complete.
	definition := NewDefinition("gated",
		NewStep("dependent", "Dependent", NewCommand("db", "dependent_stmt")).After("base"),
		NewStep("base", "Base", NewCommand("db", "base_stmt")),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)
	require.False(t, result.Success)

	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)
	assert.Equal(t, "dependent", preErr.StepID)
	assert.Equal(t, []string{"base"}, preErr.Missing)

	assert.Equal(t, SagaStatusFailed, result.Status)
	assert.Empty(t, result.CompletedSteps)
	assert.Empty(t, log.snapshot())
}

func TestExecuteSaga_ParallelStepsAllSettleBeforeCompensation(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.delayOn["slow_branch"] = 80 * time.Millisecond
	db.failOn["fast_branch"] = errors.New("branch failed")
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("fan-out",
		NewStep("base", "Base", NewCommand("db", "base_stmt").WithCompensation("undo_base")),
		NewStep("slow", "Slow branch", NewCommand("db", "slow_branch").WithCompensation("undo_slow")).InParallel(),
		NewStep("fast", "Fast branch", NewCommand("db", "fast_branch").WithCompensation("undo_fast")).InParallel(),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)
	require.False(t, result.Success)

	var sagaErr *SagaExecutionError
	require.ErrorAs(t, err, &sagaErr)
	assert.Equal(t, "fast", sagaErr.StepID)

	// The slow branch joined and completed before any compensation, so it is
	// compensated together with the serial prefix, newest-first.
	assert.Equal(t, []string{"base", "slow"}, result.CompletedSteps)
	assert.Equal(t, []string{
		"db:exec:undo_slow",
		"db:exec:undo_base",
	}, log.matching(":exec:undo"))
	assert.Equal(t, SagaStatusCompensated, result.Status)
}

func TestExecuteSaga_ParallelPreconditionsCheckedBeforeLaunch(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("fan-out",
		NewStep("base", "Base", NewCommand("db", "base_stmt")),
		NewStep("gated", "Gated", NewCommand("db", "gated_stmt")).InParallel().After("other"),
		NewStep("other", "Other", NewCommand("db", "other_stmt")).InParallel(),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)

	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)
	assert.Equal(t, "gated", preErr.StepID)

	// No parallel step launched; only the serial prefix ran.
	assert.Equal(t, []string{"base"}, result.CompletedSteps)
	assert.Equal(t, []string{"db:exec:base_stmt"}, log.matching(":exec:"))
}

func TestExecuteSaga_FailedCompensationsAreReported(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.failOn["undo_one"] = errors.New("undo rejected")
	db.failOn["step_two"] = errors.New("step failed")
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("partial-undo",
		NewStep("s1", "First", NewCommand("db", "step_one").WithCompensation("undo_one")),
		NewStep("s2", "Second", NewCommand("db", "step_two")),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)
	assert.Equal(t, SagaStatusCompensated, result.Status)
	assert.Equal(t, []string{"s1"}, result.UnresolvedCompensations)
	assert.Equal(t, StepStatusCompensationFailed, stepByID(t, definition, "s1").Status())
}

func TestExecuteSaga_SkipsStepsWithoutCompensation(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.failOn["step_two"] = errors.New("step failed")
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("no-undo",
		NewStep("s1", "First", NewCommand("db", "step_one")),
		NewStep("s2", "Second", NewCommand("db", "step_two")),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)

	assert.Equal(t, SagaStatusCompensated, result.Status)
	assert.Empty(t, result.UnresolvedCompensations)
	assert.Empty(t, log.matching("undo"))
	assert.Equal(t, StepStatusCompensated, stepByID(t, definition, "s1").Status())
}

func TestExecuteSaga_ResultShaper(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("shaped",
		NewStep("s1", "Only", NewCommand("db", "step_one")),
	)

	result, err := coordinator.ExecuteSaga(context.Background(), definition, &SagaOptions{
		ResultShaper: func(r *SagaResult) interface{} {
			return map[string]interface{}{
				"succeeded": r.Success,
				"steps":     len(r.CompletedSteps),
			}
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"succeeded": true,
		"steps":     1,
	}, result.Output)
}

func TestExecuteSaga_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name       string
		definition *Definition
		wantErr    string
	}{
		{
			name:       "missing name",
			definition: NewDefinition("", NewStep("s1", "Step", NewCommand("db", "stmt"))),
			wantErr:    "name is required",
		},
		{
			name:       "no steps",
			definition: NewDefinition("empty"),
			wantErr:    "at least one step",
		},
		{
			name: "duplicate step IDs",
			definition: NewDefinition("dup",
				NewStep("s1", "A", NewCommand("db", "stmt")),
				NewStep("s1", "B", NewCommand("db", "stmt")),
			),
			wantErr: "duplicate step ID",
		},
		{
			name: "unknown precondition",
			definition: NewDefinition("bad-gate",
				NewStep("s1", "A", NewCommand("db", "stmt")).After("missing"),
			),
			wantErr: "preconditions not met",
		},
	}

	coordinator := newTestCoordinator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := coordinator.ExecuteSaga(context.Background(), tt.definition, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, SagaStatusFailed, result.Status)
		})
	}
}

func TestExecuteSaga_UnknownPreconditionReference(t *testing.T) {
	coordinator := newTestCoordinator()

	definition := NewDefinition("bad-gate",
		NewStep("s1", "Gated", NewCommand("db", "stmt")).After("does-not-exist"),
	)

	_, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
	require.Error(t, err)

	// A reference to an undeclared step surfaces as the same typed error as a
	// reference to a step that has not completed yet.
	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)
	assert.Equal(t, "s1", preErr.StepID)
	assert.Equal(t, []string{"does-not-exist"}, preErr.Missing)
}

func TestCancelSaga_IsIdempotent(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.delayOn["slow_step"] = 300 * time.Millisecond
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("cancellable",
		NewStep("s1", "Slow", NewCommand("db", "slow_step")),
		NewStep("s2", "Never runs", NewCommand("db", "never_runs")),
	)

	type outcome struct {
		result *SagaResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
		done <- outcome{result: result, err: err}
	}()

	require.Eventually(t, func() bool {
		for _, info := range coordinator.ActiveSagas() {
			if info.Status == SagaStatusRunning {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.True(t, coordinator.CancelSaga(definition.SagaID))
	assert.False(t, coordinator.CancelSaga(definition.SagaID))

	got := <-done
	require.Error(t, got.err)
	assert.Contains(t, got.err.Error(), "cancelled")
	assert.Equal(t, SagaStatusCancelled, got.result.Status)
	assert.Empty(t, log.matching("never_runs"))
}

func TestCancelSaga_CompensatesStepsFinishingAfterCancellation(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.delayOn["slow_step"] = 300 * time.Millisecond
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("cancel-mid-step",
		NewStep("s1", "Slow", NewCommand("db", "slow_step").WithCompensation("undo_slow")),
		NewStep("s2", "Never runs", NewCommand("db", "never_runs")),
	)

	type outcome struct {
		result *SagaResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
		done <- outcome{result: result, err: err}
	}()

	// Wait until the slow step has begun its transaction, then cancel while
	// it is still executing.
	require.Eventually(t, func() bool {
		return len(log.matching(":begin")) > 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, coordinator.CancelSaga(definition.SagaID))

	got := <-done
	require.Error(t, got.err)
	assert.Equal(t, SagaStatusCancelled, got.result.Status)

	// The step committed after the cancellation sweep ran, so the executor
	// compensates it on its way out.
	assert.Equal(t, []string{"db:exec:undo_slow"}, log.matching(":exec:undo"))
	assert.Empty(t, got.result.UnresolvedCompensations)
	assert.Equal(t, StepStatusCompensated, stepByID(t, definition, "s1").Status())
	assert.Empty(t, log.matching("never_runs"))
}

func TestCancelSaga_ReportsUnresolvedCompensations(t *testing.T) {
	log := &effectLog{}
	db := newFakeConnection("db", log)
	db.delayOn["slow_step"] = 300 * time.Millisecond
	db.failOn["undo_slow"] = errors.New("undo rejected")
	coordinator := newTestCoordinator(db)

	definition := NewDefinition("cancel-mid-step",
		NewStep("s1", "Slow", NewCommand("db", "slow_step").WithCompensation("undo_slow")),
	)

	type outcome struct {
		result *SagaResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := coordinator.ExecuteSaga(context.Background(), definition, nil)
		done <- outcome{result: result, err: err}
	}()

	require.Eventually(t, func() bool {
		return len(log.matching(":begin")) > 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, coordinator.CancelSaga(definition.SagaID))

	got := <-done
	require.Error(t, got.err)
	assert.Equal(t, SagaStatusCancelled, got.result.Status)
	assert.Equal(t, []string{"s1"}, got.result.UnresolvedCompensations)
	assert.Equal(t, StepStatusCompensationFailed, stepByID(t, definition, "s1").Status())
}

func TestCancelSaga_UnknownID(t *testing.T) {
	coordinator := newTestCoordinator()
	assert.False(t, coordinator.CancelSaga("never-started"))
}

func stepByID(t *testing.T, definition *Definition, id string) *Step {
	t.Helper()
	for _, step := range definition.Steps {
		if step.StepID == id {
			return step
		}
	}
	t.Fatalf("step %q not found", id)
	return nil
}
