package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sagaline/tx-orchestrator/shared/events"
	"github.com/sagaline/tx-orchestrator/shared/models"
)

// DefaultRunTimeout bounds a run when neither the caller nor the definition
// provides one.
const DefaultRunTimeout = 30 * time.Second

// PrepareHook is invoked once per begun transaction before the commit
// sweep. It is the integration point for XA-style prepare votes; the default
// hook only marks the phase in the log, so cross-connection atomicity stays
// best-effort.
type PrepareHook func(ctx context.Context, transactionID models.ID, connectionName string, tx TransactionHandle) error

// Coordinator executes distributed transactions and sagas over registered
// connections. It owns connection lifecycle and the bookkeeping of in-flight
// work. The registry and run store are injected so coordinators can coexist.
type Coordinator struct {
	registry       *Registry
	store          *RunStore
	logger         zerolog.Logger
	publisher      events.Publisher
	prepare        PrepareHook
	defaultTimeout time.Duration
}

// Option configures a coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithPublisher enables lifecycle event publishing. Publish failures are
// logged, never propagated.
func WithPublisher(publisher events.Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = publisher
	}
}

// WithPrepareHook replaces the default logging prepare marker with a real
// prepare implementation.
func WithPrepareHook(hook PrepareHook) Option {
	return func(c *Coordinator) {
		c.prepare = hook
	}
}

// WithDefaultTimeout overrides DefaultRunTimeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.defaultTimeout = timeout
	}
}

// NewCoordinator creates a coordinator over the given connection registry
// and run store.
func NewCoordinator(registry *Registry, store *RunStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:       registry,
		store:          store,
		logger:         zerolog.Nop(),
		defaultTimeout: DefaultRunTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With().Str("component", "coordinator").Logger()

	if c.prepare == nil {
		c.prepare = func(ctx context.Context, transactionID models.ID, connectionName string, tx TransactionHandle) error {
			c.logger.Debug().
				Str("transaction_id", transactionID.String()).
				Str("connection", connectionName).
				Msg("Transaction prepared")
			return nil
		}
	}

	return c
}

// TransactionOptions tune one ExecuteDistributedTransaction call.
type TransactionOptions struct {
	TransactionID models.ID
	Timeout       time.Duration
	TenantContext string
}

// SagaOptions tune one ExecuteSaga call.
type SagaOptions struct {
	Timeout      time.Duration
	ResultShaper ResultShaper
}

// DistributedTransactionResult is the single top-level outcome of one
// distributed transaction run.
type DistributedTransactionResult struct {
	Success         bool               `json:"success"`
	TransactionID   models.ID          `json:"transaction_id"`
	Results         []*OperationResult `json:"results"`
	DurationMs      int64              `json:"duration_ms"`
	ConnectionCount int                `json:"connection_count"`
	Error           string             `json:"error,omitempty"`
}

// ExecuteDistributedTransaction runs the operations as a single
// all-or-nothing unit: one transaction per distinct connection, operations
// in caller order, prepare on every open transaction, then commit all or
// roll back everything that was begun.
func (c *Coordinator) ExecuteDistributedTransaction(ctx context.Context, operations []*Operation, opts *TransactionOptions) (*DistributedTransactionResult, error) {
	if opts == nil {
		opts = &TransactionOptions{}
	}

	transactionID := opts.TransactionID
	if transactionID == "" {
		transactionID = models.GenerateUUID()
	}

	start := time.Now()
	result := &DistributedTransactionResult{TransactionID: transactionID}

	if len(operations) == 0 {
		err := errors.New("at least one operation is required")
		return c.failTransaction(result, start, err), err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Resolve every referenced connection before any work begins.
	conns := orderedmap.NewOrderedMap[string, Connection]()
	for _, op := range operations {
		if _, ok := conns.Get(op.ConnectionName); ok {
			continue
		}
		conn, err := c.registry.Connection(op.ConnectionName)
		if err != nil {
			return c.failTransaction(result, start, err), err
		}
		conns.Set(op.ConnectionName, conn)
	}
	result.ConnectionCount = conns.Len()

	run := &transactionRun{
		transactionID:  transactionID,
		handles:        orderedmap.NewOrderedMap[string, TransactionHandle](),
		startTime:      start,
		operationCount: len(operations),
		tenantContext:  opts.TenantContext,
	}
	if err := c.store.putTransaction(run); err != nil {
		return c.failTransaction(result, start, err), err
	}

	c.logger.Info().
		Str("transaction_id", transactionID.String()).
		Int("operations", len(operations)).
		Int("connections", conns.Len()).
		Msg("Distributed transaction started")
	c.publishEvent(ctx, events.NewEvent(transactionID, events.TransactionStartedEvent, map[string]interface{}{
		"operations":  len(operations),
		"connections": conns.Len(),
		"tenant":      opts.TenantContext,
	}))

	// Phase 1: begin one transaction per distinct connection.
	for el := conns.Front(); el != nil; el = el.Next() {
		handle, err := el.Value.BeginTransaction(ctx)
		if err != nil {
			err = errors.Wrapf(err, "failed to begin transaction on connection %q", el.Key)
			return c.abortTransaction(ctx, run, result, start, err), err
		}
		run.handles.Set(el.Key, handle)
	}

	// Execute every operation in caller-supplied order, even across
	// connections.
	results := make([]*OperationResult, 0, len(operations))
	for _, op := range operations {
		handle, _ := run.handles.Get(op.ConnectionName)
		res, err := op.Execute(ctx, handle)
		if err != nil {
			return c.abortTransaction(ctx, run, result, start, err), err
		}
		results = append(results, res)
	}

	// Prepare every open transaction.
	for el := run.handles.Front(); el != nil; el = el.Next() {
		if err := c.prepare(ctx, transactionID, el.Key, el.Value); err != nil {
			err = errors.Wrapf(err, "prepare failed on connection %q", el.Key)
			return c.abortTransaction(ctx, run, result, start, err), err
		}
	}

	// Phase 2: commit. Taking the run first makes completion and
	// cancellation mutually exclusive.
	if _, ok := c.store.takeTransaction(transactionID); !ok {
		err := errors.Errorf("transaction %s was cancelled", transactionID)
		return c.failTransaction(result, start, err), err
	}

	handles := run.handleList()
	for i, h := range handles {
		if err := h.handle.Commit(ctx); err != nil {
			err = errors.Wrapf(err, "commit failed on connection %q", h.name)
			c.rollbackHandles(ctx, transactionID, handles[i:])
			c.publishEvent(ctx, events.NewEvent(transactionID, events.TransactionRolledBackEvent, map[string]interface{}{
				"error": err.Error(),
			}))
			return c.failTransaction(result, start, err), err
		}
	}

	result.Success = true
	result.Results = results
	result.DurationMs = time.Since(start).Milliseconds()

	c.logger.Info().
		Str("transaction_id", transactionID.String()).
		Int64("duration_ms", result.DurationMs).
		Msg("Distributed transaction committed")
	c.publishEvent(ctx, events.NewEvent(transactionID, events.TransactionCommittedEvent, map[string]interface{}{
		"duration_ms": result.DurationMs,
		"connections": result.ConnectionCount,
	}))

	return result, nil
}

// CancelDistributedTransaction rolls back an in-flight run. It returns true
// when the id was active, false when it already finished or never existed.
func (c *Coordinator) CancelDistributedTransaction(id models.ID) bool {
	run, ok := c.store.takeTransaction(id)
	if !ok {
		return false
	}

	ctx := context.Background()
	c.rollbackHandles(ctx, id, run.handleList())

	c.logger.Info().
		Str("transaction_id", id.String()).
		Msg("Distributed transaction cancelled")
	c.publishEvent(ctx, events.NewEvent(id, events.TransactionCancelledEvent, nil))

	return true
}

// ActiveTransactions returns a read-only snapshot of in-flight distributed
// transactions.
func (c *Coordinator) ActiveTransactions() []TransactionInfo {
	return c.store.ActiveTransactions()
}

// ActiveSagas returns a read-only snapshot of saga runs.
func (c *Coordinator) ActiveSagas() []SagaInfo {
	return c.store.ActiveSagas()
}

// abortTransaction rolls back everything begun so far and shapes the
// failure result. The rollback sweep is best-effort and never masks the
// original error.
func (c *Coordinator) abortTransaction(ctx context.Context, run *transactionRun, result *DistributedTransactionResult, start time.Time, cause error) *DistributedTransactionResult {
	if _, ok := c.store.takeTransaction(run.transactionID); ok {
		c.rollbackHandles(ctx, run.transactionID, run.handleList())
		c.publishEvent(ctx, events.NewEvent(run.transactionID, events.TransactionRolledBackEvent, map[string]interface{}{
			"error": cause.Error(),
		}))
	}
	return c.failTransaction(result, start, cause)
}

func (c *Coordinator) failTransaction(result *DistributedTransactionResult, start time.Time, cause error) *DistributedTransactionResult {
	result.Success = false
	result.Error = cause.Error()
	result.DurationMs = time.Since(start).Milliseconds()

	c.logger.Error().
		Err(cause).
		Str("transaction_id", result.TransactionID.String()).
		Msg("Distributed transaction failed")

	return result
}

// rollbackHandles rolls back the given handles in reverse order, logging
// failures without aborting the sweep.
func (c *Coordinator) rollbackHandles(ctx context.Context, transactionID models.ID, handles []namedHandle) {
	ctx = context.WithoutCancel(ctx)
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].handle.Rollback(ctx); err != nil {
			c.logger.Error().
				Err(err).
				Str("transaction_id", transactionID.String()).
				Str("connection", handles[i].name).
				Msg("Rollback failed")
		}
	}
}

type namedHandle struct {
	name   string
	handle TransactionHandle
}

func (r *transactionRun) handleList() []namedHandle {
	handles := make([]namedHandle, 0, r.handles.Len())
	for el := r.handles.Front(); el != nil; el = el.Next() {
		handles = append(handles, namedHandle{name: el.Key, handle: el.Value})
	}
	return handles
}

// ExecuteSaga drives a saga run: serial steps in declaration order honoring
// preconditions, then parallel steps concurrently, with reverse
// completion-order compensation on any failure.
func (c *Coordinator) ExecuteSaga(ctx context.Context, definition *Definition, opts *SagaOptions) (*SagaResult, error) {
	if opts == nil {
		opts = &SagaOptions{}
	}

	start := time.Now()

	if err := definition.Validate(); err != nil {
		err = errors.Wrap(err, "invalid saga definition")
		return &SagaResult{
			SagaID:     definition.SagaID,
			Name:       definition.Name,
			Status:     SagaStatusFailed,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}, err
	}

	run := newSagaRun(definition)
	if err := c.store.putSaga(run); err != nil {
		return &SagaResult{
			SagaID:     definition.SagaID,
			Name:       definition.Name,
			Status:     SagaStatusFailed,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = definition.Timeout
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run.transition(SagaStatusRunning, SagaStatusCreated)

	c.logger.Info().
		Str("saga_id", definition.SagaID.String()).
		Str("name", definition.Name).
		Int("steps", len(definition.Steps)).
		Msg("Saga started")
	c.publishEvent(ctx, events.NewEvent(definition.SagaID, events.SagaStartedEvent, map[string]interface{}{
		"name":   definition.Name,
		"steps":  len(definition.Steps),
		"tenant": definition.TenantContext,
	}))

	var serial, parallel []*Step
	for _, step := range definition.Steps {
		if step.Parallel {
			parallel = append(parallel, step)
		} else {
			serial = append(serial, step)
		}
	}

	stepResults := make(map[string]*OperationResult, len(definition.Steps))
	completed := make(map[string]struct{}, len(definition.Steps))

	for _, step := range serial {
		if run.currentStatus() == SagaStatusCancelled {
			return c.cancelledSagaResult(ctx, run, stepResults, opts.ResultShaper, start)
		}

		if !step.CanExecute(completed) {
			preErr := &PreconditionError{
				StepID:  step.StepID,
				Missing: step.missingPreconditions(completed),
			}
			return c.failSagaWithoutCompensation(ctx, run, stepResults, opts.ResultShaper, start, preErr)
		}

		c.logger.Debug().
			Str("saga_id", definition.SagaID.String()).
			Str("step_id", step.StepID).
			Str("step_name", step.Name).
			Msg("Executing saga step")

		res, err := step.execute(ctx, c.registry, c.logger)
		if err != nil {
			return c.compensateAndFail(ctx, run, step, err, stepResults, opts.ResultShaper, start)
		}

		run.appendCompleted(step)
		completed[step.StepID] = struct{}{}
		stepResults[step.StepID] = res
	}

	// Preconditions of parallel steps are checked against the serial prefix
	// before any of them launches, so an unmet gate aborts with no parallel
	// work started.
	for _, step := range parallel {
		if !step.CanExecute(completed) {
			preErr := &PreconditionError{
				StepID:  step.StepID,
				Missing: step.missingPreconditions(completed),
			}
			return c.failSagaWithoutCompensation(ctx, run, stepResults, opts.ResultShaper, start, preErr)
		}
	}

	if run.currentStatus() == SagaStatusCancelled {
		return c.cancelledSagaResult(ctx, run, stepResults, opts.ResultShaper, start)
	}

	if len(parallel) > 0 {
		var g errgroup.Group
		var mu sync.Mutex
		stepErrs := make([]error, len(parallel))

		for i, step := range parallel {
			i, step := i, step
			g.Go(func() error {
				res, err := step.execute(ctx, c.registry, c.logger)
				if err != nil {
					stepErrs[i] = err
					return err
				}
				run.appendCompleted(step)
				mu.Lock()
				stepResults[step.StepID] = res
				mu.Unlock()
				return nil
			})
		}

		// The group joins every parallel step before the first failure is
		// acted on, so the full set of completed work is known.
		_ = g.Wait()

		for i, err := range stepErrs {
			if err != nil {
				return c.compensateAndFail(ctx, run, parallel[i], err, stepResults, opts.ResultShaper, start)
			}
		}
	}

	if !run.transition(SagaStatusCompleted, SagaStatusRunning) {
		return c.cancelledSagaResult(ctx, run, stepResults, opts.ResultShaper, start)
	}
	c.store.finishSaga(run.sagaID())

	result := c.buildSagaResult(run, stepResults, opts.ResultShaper, start, nil, true)

	c.logger.Info().
		Str("saga_id", definition.SagaID.String()).
		Int64("duration_ms", result.DurationMs).
		Int("completed_steps", len(result.CompletedSteps)).
		Msg("Saga completed")
	c.publishEvent(ctx, events.NewEvent(definition.SagaID, events.SagaCompletedEvent, map[string]interface{}{
		"duration_ms":     result.DurationMs,
		"completed_steps": len(result.CompletedSteps),
	}))

	return result, nil
}

// CancelSaga compensates every completed step of an in-flight saga in
// reverse completion order and marks the run cancelled. It returns true when
// the id was active, false when it already resolved or never existed.
func (c *Coordinator) CancelSaga(id models.ID) bool {
	run := c.store.getSaga(id)
	if run == nil {
		return false
	}

	if !run.transition(SagaStatusCancelled, SagaStatusCreated, SagaStatusRunning) {
		return false
	}

	ctx := context.Background()
	unresolved := c.compensateSteps(ctx, run)
	if len(unresolved) > 0 {
		c.logger.Error().
			Str("saga_id", id.String()).
			Strs("unresolved", unresolved).
			Msg("Cancellation left unresolved compensations")
	}

	c.store.finishSaga(id)

	c.logger.Info().
		Str("saga_id", id.String()).
		Msg("Saga cancelled")
	c.publishEvent(ctx, events.NewEvent(id, events.SagaCancelledEvent, map[string]interface{}{
		"unresolved_compensations": unresolved,
	}))

	return true
}

// compensateAndFail sweeps compensation over every completed step in
// reverse completion order, then surfaces a SagaExecutionError naming the
// failed step. The sweep never aborts on a single compensation failure;
// failures are accumulated as unresolved.
func (c *Coordinator) compensateAndFail(ctx context.Context, run *sagaRun, failed *Step, cause error, stepResults map[string]*OperationResult, shaper ResultShaper, start time.Time) (*SagaResult, error) {
	if !run.transition(SagaStatusCompensating, SagaStatusRunning) {
		// A concurrent cancellation owns the sweep.
		return c.cancelledSagaResult(ctx, run, stepResults, shaper, start)
	}

	c.logger.Error().
		Err(cause).
		Str("saga_id", run.sagaID().String()).
		Str("step_id", failed.StepID).
		Msg("Saga step failed, compensating")
	c.publishEvent(ctx, events.NewEvent(run.sagaID(), events.SagaStepFailedEvent, map[string]interface{}{
		"step_id": failed.StepID,
		"error":   cause.Error(),
	}))

	unresolved := c.compensateSteps(context.WithoutCancel(ctx), run)
	run.setStatus(SagaStatusCompensated)
	c.store.finishSaga(run.sagaID())

	sagaErr := &SagaExecutionError{
		SagaID: run.sagaID(),
		StepID: failed.StepID,
		Err:    cause,
	}

	result := c.buildSagaResult(run, stepResults, shaper, start, unresolved, false)
	result.Error = sagaErr.Error()

	c.publishEvent(ctx, events.NewEvent(run.sagaID(), events.SagaCompensatedEvent, map[string]interface{}{
		"failed_step":              failed.StepID,
		"unresolved_compensations": unresolved,
	}))

	return result, sagaErr
}

// failSagaWithoutCompensation resolves a precondition failure: terminal,
// with no compensation since no step failed mid-flight.
func (c *Coordinator) failSagaWithoutCompensation(ctx context.Context, run *sagaRun, stepResults map[string]*OperationResult, shaper ResultShaper, start time.Time, cause error) (*SagaResult, error) {
	if !run.transition(SagaStatusFailed, SagaStatusRunning) {
		return c.cancelledSagaResult(ctx, run, stepResults, shaper, start)
	}
	c.store.finishSaga(run.sagaID())

	c.logger.Error().
		Err(cause).
		Str("saga_id", run.sagaID().String()).
		Msg("Saga failed")
	c.publishEvent(ctx, events.NewEvent(run.sagaID(), events.SagaFailedEvent, map[string]interface{}{
		"error": cause.Error(),
	}))

	result := c.buildSagaResult(run, stepResults, shaper, start, nil, false)
	result.Error = cause.Error()
	return result, cause
}

// cancelledSagaResult resolves the executor's side of a cancellation race.
// A step that finished after the cancellation sweep took its snapshot still
// holds its effects, so a follow-up sweep undoes it here.
func (c *Coordinator) cancelledSagaResult(ctx context.Context, run *sagaRun, stepResults map[string]*OperationResult, shaper ResultShaper, start time.Time) (*SagaResult, error) {
	unresolved := c.compensateSteps(context.WithoutCancel(ctx), run)
	if len(unresolved) > 0 {
		c.logger.Error().
			Str("saga_id", run.sagaID().String()).
			Strs("unresolved", unresolved).
			Msg("Cancellation left unresolved compensations")
	}

	err := errors.Errorf("saga %s was cancelled", run.sagaID())
	result := c.buildSagaResult(run, stepResults, shaper, start, unresolved, false)
	result.Status = SagaStatusCancelled
	result.Error = err.Error()
	return result, err
}

// compensateSteps drains the completed steps no sweep has claimed yet,
// compensating each best-effort in reverse completion order. Returns the
// step IDs whose compensation failed and needs manual intervention.
func (c *Coordinator) compensateSteps(ctx context.Context, run *sagaRun) []string {
	steps := run.takeUnswept()

	var unresolved []string
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].compensate(ctx, c.registry, c.logger); err != nil {
			c.logger.Error().
				Err(err).
				Str("saga_id", run.sagaID().String()).
				Str("step_id", steps[i].StepID).
				Msg("Compensation failed, continuing sweep")
			unresolved = append(unresolved, steps[i].StepID)
		}
	}
	return unresolved
}

func (c *Coordinator) buildSagaResult(run *sagaRun, stepResults map[string]*OperationResult, shaper ResultShaper, start time.Time, unresolved []string, success bool) *SagaResult {
	result := &SagaResult{
		SagaID:                  run.sagaID(),
		Name:                    run.definition.Name,
		Status:                  run.currentStatus(),
		Success:                 success,
		StepResults:             stepResults,
		CompletedSteps:          run.completedIDs(),
		UnresolvedCompensations: unresolved,
		DurationMs:              time.Since(start).Milliseconds(),
	}

	if shaper != nil {
		result.Output = shaper(result)
	}
	return result
}

func (c *Coordinator) publishEvent(ctx context.Context, event *events.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn().
			Err(err).
			Str("event_type", event.EventType).
			Msg("Failed to publish lifecycle event")
	}
}
