package orchestration

import (
	"testing"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStore_TransactionTakeIsExclusive(t *testing.T) {
	store := NewRunStore(0)

	run := &transactionRun{
		transactionID:  "tx-1",
		handles:        orderedmap.NewOrderedMap[string, TransactionHandle](),
		startTime:      time.Now(),
		operationCount: 2,
		tenantContext:  "tenant-a",
	}
	require.NoError(t, store.putTransaction(run))

	infos := store.ActiveTransactions()
	require.Len(t, infos, 1)
	assert.Equal(t, run.transactionID, infos[0].TransactionID)
	assert.Equal(t, 2, infos[0].OperationCount)
	assert.Equal(t, "tenant-a", infos[0].TenantContext)

	taken, ok := store.takeTransaction("tx-1")
	require.True(t, ok)
	assert.Same(t, run, taken)

	// Only one taker wins.
	_, ok = store.takeTransaction("tx-1")
	assert.False(t, ok)
	assert.Empty(t, store.ActiveTransactions())
}

func TestRunStore_RejectsDuplicateActiveTransaction(t *testing.T) {
	store := NewRunStore(0)

	first := &transactionRun{transactionID: "tx-1", handles: orderedmap.NewOrderedMap[string, TransactionHandle]()}
	require.NoError(t, store.putTransaction(first))

	second := &transactionRun{transactionID: "tx-1", handles: orderedmap.NewOrderedMap[string, TransactionHandle]()}
	err := store.putTransaction(second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
}

func TestRunStore_FinishedSagasStayWithinRetention(t *testing.T) {
	store := NewRunStore(50 * time.Millisecond)

	definition := NewDefinition("retained",
		NewStep("s1", "Only", NewCommand("db", "stmt")),
	)
	run := newSagaRun(definition)
	require.NoError(t, store.putSaga(run))

	run.setStatus(SagaStatusCompleted)
	store.finishSaga(definition.SagaID)

	// Still queryable right after finishing.
	infos := store.ActiveSagas()
	require.Len(t, infos, 1)
	assert.Equal(t, SagaStatusCompleted, infos[0].Status)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, store.ActiveSagas())
	assert.Nil(t, store.getSaga(definition.SagaID))
}

func TestRunStore_DuplicateSagaAllowedAfterFinish(t *testing.T) {
	store := NewRunStore(time.Minute)

	definition := NewDefinition("repeatable",
		NewStep("s1", "Only", NewCommand("db", "stmt")),
	)

	first := newSagaRun(definition)
	require.NoError(t, store.putSaga(first))

	err := store.putSaga(newSagaRun(definition))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")

	store.finishSaga(definition.SagaID)
	assert.NoError(t, store.putSaga(newSagaRun(definition)))
}

func TestSagaRun_TransitionGuardsStatus(t *testing.T) {
	run := newSagaRun(NewDefinition("guarded",
		NewStep("s1", "Only", NewCommand("db", "stmt")),
	))

	assert.True(t, run.transition(SagaStatusRunning, SagaStatusCreated))
	assert.False(t, run.transition(SagaStatusRunning, SagaStatusCreated))
	assert.True(t, run.transition(SagaStatusCancelled, SagaStatusCreated, SagaStatusRunning))
	assert.False(t, run.transition(SagaStatusCompleted, SagaStatusRunning))
	assert.Equal(t, SagaStatusCancelled, run.currentStatus())
}
