package orchestration

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StepStatus represents the lifecycle state of a saga step.
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusRunning      StepStatus = "running"
	StepStatusCompleted    StepStatus = "completed"
	StepStatusFailed       StepStatus = "failed"
	StepStatusCompensating StepStatus = "compensating"
	StepStatusCompensated  StepStatus = "compensated"

	// StepStatusCompensationFailed marks a step whose effects are committed
	// but whose compensation did not succeed. Manual intervention territory.
	StepStatusCompensationFailed StepStatus = "compensation_failed"
)

// Step wraps one operation with a stable identifier, an optional
// compensation operation, a parallel flag and precondition step IDs. A step
// is owned exclusively by its saga definition.
type Step struct {
	StepID        string
	Name          string
	Operation     *Operation
	Compensation  *Operation
	Parallel      bool
	Preconditions []string

	mu     sync.Mutex
	status StepStatus
	result *OperationResult
}

// NewStep creates a pending serial step around the given operation.
func NewStep(stepID, name string, op *Operation) *Step {
	return &Step{
		StepID:    stepID,
		Name:      name,
		Operation: op,
		status:    StepStatusPending,
	}
}

// WithCompensation attaches a dedicated compensation operation. When absent,
// compensation falls back to the step operation's compensating statement.
func (s *Step) WithCompensation(op *Operation) *Step {
	s.Compensation = op
	return s
}

// InParallel marks the step to run concurrently after all serial steps.
func (s *Step) InParallel() *Step {
	s.Parallel = true
	return s
}

// After declares precondition step IDs that must complete before this step
// may run.
func (s *Step) After(stepIDs ...string) *Step {
	s.Preconditions = append(s.Preconditions, stepIDs...)
	return s
}

// Status returns the step's current lifecycle state.
func (s *Step) Status() StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result returns the operation result of a completed step, or nil.
func (s *Step) Result() *OperationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// CanExecute reports whether every precondition appears in the completed
// set.
func (s *Step) CanExecute(completed map[string]struct{}) bool {
	for _, id := range s.Preconditions {
		if _, ok := completed[id]; !ok {
			return false
		}
	}
	return true
}

func (s *Step) missingPreconditions(completed map[string]struct{}) []string {
	var missing []string
	for _, id := range s.Preconditions {
		if _, ok := completed[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (s *Step) setStatus(status StepStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// execute runs the step operation inside its own local transaction: begin,
// execute, commit on success, rollback on failure. Each step is an
// independent ACID unit.
func (s *Step) execute(ctx context.Context, registry *Registry, logger zerolog.Logger) (*OperationResult, error) {
	conn, err := registry.Connection(s.Operation.ConnectionName)
	if err != nil {
		s.setStatus(StepStatusFailed)
		return nil, err
	}

	s.setStatus(StepStatusRunning)

	tx, err := conn.BeginTransaction(ctx)
	if err != nil {
		s.setStatus(StepStatusFailed)
		return nil, errors.Wrapf(err, "failed to begin transaction for step %q", s.StepID)
	}

	result, err := s.Operation.Execute(ctx, tx)
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			logger.Warn().
				Err(rbErr).
				Str("step_id", s.StepID).
				Msg("Failed to roll back step transaction")
		}
		s.setStatus(StepStatusFailed)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.setStatus(StepStatusFailed)
		return nil, errors.Wrapf(err, "failed to commit step %q", s.StepID)
	}

	s.mu.Lock()
	s.status = StepStatusCompleted
	s.result = result
	s.mu.Unlock()

	return result, nil
}

// compensate runs the step's compensation inside its own local transaction.
// A step without any compensation is logged as non-compensable and skipped.
// The returned error is informational; callers accumulate it and continue
// the sweep.
func (s *Step) compensate(ctx context.Context, registry *Registry, logger zerolog.Logger) error {
	s.setStatus(StepStatusCompensating)

	op := s.Compensation
	if op == nil && s.Operation.HasCompensation() {
		op = s.Operation
	}

	if op == nil {
		logger.Info().
			Str("step_id", s.StepID).
			Msg("Step has no compensation, skipping")
		s.setStatus(StepStatusCompensated)
		return nil
	}

	conn, err := registry.Connection(op.ConnectionName)
	if err != nil {
		s.setStatus(StepStatusCompensationFailed)
		return &CompensationError{StepID: s.StepID, Err: err}
	}

	tx, err := conn.BeginTransaction(ctx)
	if err != nil {
		s.setStatus(StepStatusCompensationFailed)
		return &CompensationError{StepID: s.StepID, Err: err}
	}

	var compErr error
	if op == s.Operation {
		compErr = op.Compensate(ctx, tx)
	} else {
		_, compErr = op.Execute(ctx, tx)
	}

	if compErr != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			logger.Warn().
				Err(rbErr).
				Str("step_id", s.StepID).
				Msg("Failed to roll back compensation transaction")
		}
		s.setStatus(StepStatusCompensationFailed)
		return &CompensationError{StepID: s.StepID, Err: compErr}
	}

	if err := tx.Commit(ctx); err != nil {
		s.setStatus(StepStatusCompensationFailed)
		return &CompensationError{StepID: s.StepID, Err: err}
	}

	s.setStatus(StepStatusCompensated)
	return nil
}
