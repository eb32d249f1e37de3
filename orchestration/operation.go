package orchestration

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sagaline/tx-orchestrator/shared/models"
)

// OperationKind distinguishes reads from writes.
type OperationKind string

const (
	OperationKindCommand OperationKind = "command"
	OperationKindQuery   OperationKind = "query"
)

// Operation is a unit of work bound to one named connection: a statement,
// its parameters, an optional compensating statement and a timeout.
// Operations are treated as immutable once submitted to a run.
type Operation struct {
	ID                    models.ID
	ConnectionName        string
	Kind                  OperationKind
	Statement             string
	Params                []interface{}
	CompensationStatement string
	CompensationParams    []interface{}
	Timeout               time.Duration
}

// NewCommand creates a write operation bound to the named connection.
func NewCommand(connectionName, statement string, params ...interface{}) *Operation {
	return &Operation{
		ID:             models.GenerateUUID(),
		ConnectionName: connectionName,
		Kind:           OperationKindCommand,
		Statement:      statement,
		Params:         params,
	}
}

// NewQuery creates a read operation bound to the named connection.
func NewQuery(connectionName, statement string, params ...interface{}) *Operation {
	return &Operation{
		ID:             models.GenerateUUID(),
		ConnectionName: connectionName,
		Kind:           OperationKindQuery,
		Statement:      statement,
		Params:         params,
	}
}

// WithCompensation attaches a compensating statement executed during
// rollback of a saga step.
func (o *Operation) WithCompensation(statement string, params ...interface{}) *Operation {
	o.CompensationStatement = statement
	o.CompensationParams = params
	return o
}

// WithTimeout bounds a single execution of this operation. A zero timeout
// defers to the run-level timeout.
func (o *Operation) WithTimeout(timeout time.Duration) *Operation {
	o.Timeout = timeout
	return o
}

// HasCompensation reports whether a compensating statement is defined.
func (o *Operation) HasCompensation() bool {
	return o.CompensationStatement != ""
}

// OperationResult is the outcome of one operation execution.
type OperationResult struct {
	OperationID    models.ID     `json:"operation_id"`
	ConnectionName string        `json:"connection_name"`
	Rows           []Row         `json:"rows,omitempty"`
	AffectedRows   int64         `json:"affected_rows"`
	InsertID       int64         `json:"insert_id,omitempty"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
}

// Execute runs exactly one statement against exactly one transaction handle.
// The operation's own timeout is applied on top of the caller's deadline, so
// the smaller of the two wins. Driver failures propagate unchanged inside an
// OperationError; deadline expiry becomes a TimeoutError.
func (o *Operation) Execute(ctx context.Context, tx TransactionHandle) (*OperationResult, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := &OperationResult{
		OperationID:    o.ID,
		ConnectionName: o.ConnectionName,
	}

	switch o.Kind {
	case OperationKindQuery:
		rows, err := tx.Query(ctx, o.Statement, o.Params...)
		if err != nil {
			return nil, o.executionError(ctx, err)
		}
		result.Rows = rows

	default:
		res, err := tx.Execute(ctx, o.Statement, o.Params...)
		if err != nil {
			return nil, o.executionError(ctx, err)
		}
		result.AffectedRows = res.AffectedRows
		result.InsertID = res.InsertID
	}

	result.Duration = time.Since(start)
	result.Success = true
	return result, nil
}

// Compensate executes the compensating statement, if any. Callers are
// expected to log and skip operations without a compensation.
func (o *Operation) Compensate(ctx context.Context, tx TransactionHandle) error {
	if !o.HasCompensation() {
		return nil
	}

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	if _, err := tx.Execute(ctx, o.CompensationStatement, o.CompensationParams...); err != nil {
		return errors.Wrapf(err, "compensating statement for operation %s", o.ID)
	}
	return nil
}

func (o *Operation) executionError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{
			OperationID:    o.ID,
			ConnectionName: o.ConnectionName,
			Timeout:        o.Timeout,
		}
	}
	return &OperationError{
		OperationID:    o.ID,
		ConnectionName: o.ConnectionName,
		Err:            err,
	}
}
