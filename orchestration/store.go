package orchestration

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"github.com/sagaline/tx-orchestrator/shared/models"
)

// DefaultSagaRetention is how long finished saga runs stay queryable before
// eviction.
const DefaultSagaRetention = 5 * time.Minute

// transactionRun is the ephemeral state of one in-flight distributed
// transaction: one begun handle per distinct connection, in first-reference
// order.
type transactionRun struct {
	transactionID  models.ID
	handles        *orderedmap.OrderedMap[string, TransactionHandle]
	startTime      time.Time
	operationCount int
	tenantContext  string
}

// TransactionInfo is a read-only snapshot of an in-flight distributed
// transaction.
type TransactionInfo struct {
	TransactionID   models.ID `json:"transaction_id"`
	StartTime       time.Time `json:"start_time"`
	ConnectionCount int       `json:"connection_count"`
	OperationCount  int       `json:"operation_count"`
	TenantContext   string    `json:"tenant_context,omitempty"`
}

// SagaInfo is a read-only snapshot of a saga run, including recently
// finished runs still within the retention window.
type SagaInfo struct {
	SagaID         models.ID  `json:"saga_id"`
	Name           string     `json:"name"`
	Status         SagaStatus `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	CompletedSteps int        `json:"completed_steps"`
	TotalSteps     int        `json:"total_steps"`
	TenantContext  string     `json:"tenant_context,omitempty"`
}

// RunStore is the injected registry of in-flight runs. It is the only state
// mutated concurrently by multiple calls: insert on start, remove on
// completion or cancellation, read-only iteration for introspection.
// Multiple coordinators may coexist, each with its own store.
type RunStore struct {
	mu           sync.Mutex
	transactions map[models.ID]*transactionRun
	sagas        map[models.ID]*sagaRun
	retention    time.Duration
}

// NewRunStore creates a run store. A non-positive retention falls back to
// DefaultSagaRetention.
func NewRunStore(retention time.Duration) *RunStore {
	if retention <= 0 {
		retention = DefaultSagaRetention
	}
	return &RunStore{
		transactions: make(map[models.ID]*transactionRun),
		sagas:        make(map[models.ID]*sagaRun),
		retention:    retention,
	}
}

func (s *RunStore) putTransaction(run *transactionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[run.transactionID]; ok {
		return errors.Errorf("transaction %s is already active", run.transactionID)
	}
	s.transactions[run.transactionID] = run
	return nil
}

// takeTransaction removes and returns the run. Whoever takes the run owns
// its completion: either the executing call or a cancellation, never both.
func (s *RunStore) takeTransaction(id models.ID) (*transactionRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.transactions[id]
	if ok {
		delete(s.transactions, id)
	}
	return run, ok
}

// ActiveTransactions returns a snapshot of in-flight distributed
// transactions.
func (s *RunStore) ActiveTransactions() []TransactionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TransactionInfo, 0, len(s.transactions))
	for _, run := range s.transactions {
		infos = append(infos, TransactionInfo{
			TransactionID:   run.transactionID,
			StartTime:       run.startTime,
			ConnectionCount: run.handles.Len(),
			OperationCount:  run.operationCount,
			TenantContext:   run.tenantContext,
		})
	}
	return infos
}

func (s *RunStore) putSaga(run *sagaRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	if existing, ok := s.sagas[run.sagaID()]; ok && !existing.finished() {
		return errors.Errorf("saga %s is already active", run.sagaID())
	}
	s.sagas[run.sagaID()] = run
	return nil
}

func (s *RunStore) getSaga(id models.ID) *sagaRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	return s.sagas[id]
}

// finishSaga marks the run finished. The entry stays queryable until the
// retention window expires.
func (s *RunStore) finishSaga(id models.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.sagas[id]; ok {
		run.markFinished()
	}
}

// ActiveSagas returns a snapshot of saga runs, including finished runs still
// within the retention window.
func (s *RunStore) ActiveSagas() []SagaInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	infos := make([]SagaInfo, 0, len(s.sagas))
	for _, run := range s.sagas {
		infos = append(infos, SagaInfo{
			SagaID:         run.sagaID(),
			Name:           run.definition.Name,
			Status:         run.currentStatus(),
			StartTime:      run.startTime,
			CompletedSteps: len(run.completedIDs()),
			TotalSteps:     len(run.definition.Steps),
			TenantContext:  run.definition.TenantContext,
		})
	}
	return infos
}

func (s *RunStore) evictExpiredLocked() {
	cutoff := time.Now().Add(-s.retention)
	for id, run := range s.sagas {
		run.mu.Lock()
		expired := !run.finishedAt.IsZero() && run.finishedAt.Before(cutoff)
		run.mu.Unlock()
		if expired {
			delete(s.sagas, id)
		}
	}
}
