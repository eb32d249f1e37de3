package orchestration

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sagaline/tx-orchestrator/shared/models"
)

// SagaStatus represents the lifecycle state of a saga run.
type SagaStatus string

const (
	SagaStatusCreated      SagaStatus = "created"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusFailed       SagaStatus = "failed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
	SagaStatusCancelled    SagaStatus = "cancelled"
)

// Definition describes a saga: an ordered list of steps plus metadata.
// Serial steps run in declaration order; steps marked parallel run
// concurrently after all serial steps have completed.
type Definition struct {
	SagaID        models.ID
	Name          string
	Steps         []*Step
	Timeout       time.Duration
	TenantContext string
}

// NewDefinition creates a saga definition with a generated ID.
func NewDefinition(name string, steps ...*Step) *Definition {
	return &Definition{
		SagaID: models.GenerateUUID(),
		Name:   name,
		Steps:  steps,
	}
}

// WithTimeout bounds the whole saga run.
func (d *Definition) WithTimeout(timeout time.Duration) *Definition {
	d.Timeout = timeout
	return d
}

// WithTenantContext attaches an opaque tenant identifier carried through the
// run for downstream isolation and auditing.
func (d *Definition) WithTenantContext(tenant string) *Definition {
	d.TenantContext = tenant
	return d
}

// Validate checks structural soundness of the definition: at least one step,
// unique step IDs, preconditions referencing declared steps only.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga name is required")
	}

	if len(d.Steps) == 0 {
		return errors.New("saga must have at least one step")
	}

	ids := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.StepID == "" {
			return errors.New("step ID is required")
		}
		if _, ok := ids[step.StepID]; ok {
			return errors.Errorf("duplicate step ID %q", step.StepID)
		}
		ids[step.StepID] = struct{}{}
	}

	for _, step := range d.Steps {
		var missing []string
		for _, pre := range step.Preconditions {
			if _, ok := ids[pre]; !ok {
				missing = append(missing, pre)
			}
		}
		if len(missing) > 0 {
			return &PreconditionError{StepID: step.StepID, Missing: missing}
		}
	}

	return nil
}

// ResultShaper post-processes the generic saga result into a domain-shaped
// output. Supplied by the caller instead of subclassing the engine.
type ResultShaper func(result *SagaResult) interface{}

// SagaResult is the outcome of one saga run.
type SagaResult struct {
	SagaID                  models.ID                   `json:"saga_id"`
	Name                    string                      `json:"name"`
	Status                  SagaStatus                  `json:"status"`
	Success                 bool                        `json:"success"`
	StepResults             map[string]*OperationResult `json:"step_results,omitempty"`
	CompletedSteps          []string                    `json:"completed_steps"`
	UnresolvedCompensations []string                    `json:"unresolved_compensations,omitempty"`
	DurationMs              int64                       `json:"duration_ms"`
	Error                   string                      `json:"error,omitempty"`
	Output                  interface{}                 `json:"output,omitempty"`
}

// sagaRun is the coordinator-internal state of one in-flight saga.
// completedSteps is append-only during forward execution; compensation
// consumes a reversed copy and never mutates it.
type sagaRun struct {
	definition *Definition
	startTime  time.Time

	mu             sync.Mutex
	status         SagaStatus
	completedSteps []*Step
	swept          int
	finishedAt     time.Time
}

func newSagaRun(definition *Definition) *sagaRun {
	return &sagaRun{
		definition: definition,
		startTime:  time.Now(),
		status:     SagaStatusCreated,
	}
}

func (r *sagaRun) sagaID() models.ID {
	return r.definition.SagaID
}

func (r *sagaRun) currentStatus() SagaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *sagaRun) setStatus(status SagaStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// transition moves the run to next only when the current status is one of
// from, and reports whether the move happened. Cancellation and forward
// execution race through here.
func (r *sagaRun) transition(next SagaStatus, from ...SagaStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range from {
		if r.status == s {
			r.status = next
			return true
		}
	}
	return false
}

func (r *sagaRun) appendCompleted(step *Step) {
	r.mu.Lock()
	r.completedSteps = append(r.completedSteps, step)
	r.mu.Unlock()
}

// takeUnswept returns the completed steps no compensation sweep has claimed
// yet, in completion order, and marks them claimed. A step finishing after a
// cancellation sweep is picked up by the executor's follow-up sweep, and no
// two sweeps ever compensate the same step.
func (r *sagaRun) takeUnswept() []*Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.completedSteps[r.swept:]
	r.swept = len(r.completedSteps)

	snapshot := make([]*Step, len(pending))
	copy(snapshot, pending)
	return snapshot
}

func (r *sagaRun) completedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(r.completedSteps))
	for i, step := range r.completedSteps {
		ids[i] = step.StepID
	}
	return ids
}

func (r *sagaRun) markFinished() {
	r.mu.Lock()
	r.finishedAt = time.Now()
	r.mu.Unlock()
}

func (r *sagaRun) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finishedAt.IsZero()
}
