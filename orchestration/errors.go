package orchestration

import (
	"fmt"
	"strings"
	"time"

	"github.com/sagaline/tx-orchestrator/shared/models"
)

// ConnectionNotFoundError reports a reference to a connection name that was
// never registered. It aborts a run before any transaction is begun.
type ConnectionNotFoundError struct {
	Name string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("connection %q is not registered", e.Name)
}

// OperationError reports the failure of a single operation's statement. The
// driver error is carried unchanged.
type OperationError struct {
	OperationID    models.ID
	ConnectionName string
	Err            error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s on connection %q failed: %v", e.OperationID, e.ConnectionName, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an operation that exceeded its allotted time. It is
// recovered from exactly like an OperationError.
type TimeoutError struct {
	OperationID    models.ID
	ConnectionName string
	Timeout        time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s on connection %q timed out after %s", e.OperationID, e.ConnectionName, e.Timeout)
}

// PreconditionError reports a saga step whose preconditions were not
// satisfied. It is terminal for the saga and triggers no compensation.
type PreconditionError struct {
	StepID  string
	Missing []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("step %q preconditions not met: missing %s", e.StepID, strings.Join(e.Missing, ", "))
}

// SagaExecutionError reports a saga that failed on a named step after
// compensation has run.
type SagaExecutionError struct {
	SagaID models.ID
	StepID string
	Err    error
}

func (e *SagaExecutionError) Error() string {
	return fmt.Sprintf("saga %s failed at step %q: %v", e.SagaID, e.StepID, e.Err)
}

func (e *SagaExecutionError) Unwrap() error {
	return e.Err
}

// CompensationError reports a compensation action that itself failed. It is
// accumulated and logged but never surfaced as the primary failure.
type CompensationError struct {
	StepID string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %q failed: %v", e.StepID, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}
