package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(conns ...*fakeConnection) *Coordinator {
	registry := NewRegistry()
	for _, conn := range conns {
		registry.RegisterConnection(conn.name, conn)
	}
	return NewCoordinator(registry, NewRunStore(0))
}

func TestExecuteDistributedTransaction_CommitsAcrossConnections(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	payments := newFakeConnection("payments", log)
	coordinator := newTestCoordinator(orders, payments)

	operations := []*Operation{
		NewCommand("orders", "insert_order"),
		NewCommand("payments", "debit_wallet"),
		NewCommand("orders", "mark_reserved"),
	}

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), operations, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, 2, result.ConnectionCount)
	assert.Len(t, result.Results, 3)
	assert.NotEmpty(t, result.TransactionID)

	// One transaction per distinct connection, operations in submission
	// order, then commits in begin order.
	assert.Equal(t, []string{
		"orders:begin",
		"payments:begin",
		"orders:exec:insert_order",
		"payments:exec:debit_wallet",
		"orders:exec:mark_reserved",
		"orders:commit",
		"payments:commit",
	}, log.snapshot())

	assert.Empty(t, coordinator.ActiveTransactions())
}

func TestExecuteDistributedTransaction_RollsBackEverythingOnFailure(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	payments := newFakeConnection("payments", log)
	payments.failOn["debit_wallet"] = errors.New("insufficient funds")
	coordinator := newTestCoordinator(orders, payments)

	operations := []*Operation{
		NewCommand("orders", "insert_order"),
		NewCommand("payments", "debit_wallet"),
		NewCommand("orders", "mark_reserved"),
	}

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), operations, nil)
	require.Error(t, err)
	require.False(t, result.Success)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "payments", opErr.ConnectionName)
	assert.ErrorContains(t, opErr, "insufficient funds")

	// No commits; both begun transactions rolled back, later connection
	// first.
	assert.False(t, orders.handleAt(0).wasCommitted())
	assert.False(t, payments.handleAt(0).wasCommitted())
	assert.True(t, orders.handleAt(0).wasRolledBack())
	assert.True(t, payments.handleAt(0).wasRolledBack())
	assert.Equal(t, []string{"payments:rollback", "orders:rollback"}, log.matching(":rollback"))

	assert.Empty(t, coordinator.ActiveTransactions())
}

func TestExecuteDistributedTransaction_UnknownConnectionFailsBeforeWork(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	coordinator := newTestCoordinator(orders)

	operations := []*Operation{
		NewCommand("orders", "insert_order"),
		NewCommand("ghost", "noop"),
	}

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), operations, nil)
	require.Error(t, err)
	assert.False(t, result.Success)

	var notFound *ConnectionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.Name)

	// Resolution happens before any transaction is begun.
	assert.Empty(t, log.snapshot())
}

func TestExecuteDistributedTransaction_RequiresOperations(t *testing.T) {
	coordinator := newTestCoordinator()

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), nil, nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, err.Error(), "at least one operation")
}

func TestExecuteDistributedTransaction_OperationTimeout(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	orders.delayOn["slow_update"] = 200 * time.Millisecond
	coordinator := newTestCoordinator(orders)

	operations := []*Operation{
		NewCommand("orders", "slow_update").WithTimeout(20 * time.Millisecond),
	}

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), operations, nil)
	require.Error(t, err)
	assert.False(t, result.Success)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "orders", timeoutErr.ConnectionName)

	assert.True(t, orders.handleAt(0).wasRolledBack())
}

func TestExecuteDistributedTransaction_CommitFailureRollsBackRemaining(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	payments := newFakeConnection("payments", log)
	payments.commitErr = errors.New("connection reset")
	coordinator := newTestCoordinator(orders, payments)

	operations := []*Operation{
		NewCommand("orders", "insert_order"),
		NewCommand("payments", "debit_wallet"),
	}

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), operations, nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, err.Error(), "commit failed")

	// The first connection had already committed; the failing one is rolled
	// back.
	assert.True(t, orders.handleAt(0).wasCommitted())
	assert.False(t, payments.handleAt(0).wasCommitted())
	assert.True(t, payments.handleAt(0).wasRolledBack())
}

func TestExecuteDistributedTransaction_DuplicateActiveIDRejected(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	orders.delayOn["slow_update"] = 300 * time.Millisecond
	coordinator := newTestCoordinator(orders)

	opts := &TransactionOptions{TransactionID: "tx-duplicate"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = coordinator.ExecuteDistributedTransaction(context.Background(), []*Operation{
			NewCommand("orders", "slow_update"),
		}, opts)
	}()

	require.Eventually(t, func() bool {
		return len(coordinator.ActiveTransactions()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := coordinator.ExecuteDistributedTransaction(context.Background(), []*Operation{
		NewCommand("orders", "insert_order"),
	}, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")

	<-done
}

func TestCancelDistributedTransaction_IsIdempotent(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	orders.delayOn["slow_update"] = 300 * time.Millisecond
	coordinator := newTestCoordinator(orders)

	type outcome struct {
		result *DistributedTransactionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := coordinator.ExecuteDistributedTransaction(context.Background(), []*Operation{
			NewCommand("orders", "slow_update"),
		}, &TransactionOptions{TransactionID: "tx-cancel"})
		done <- outcome{result: result, err: err}
	}()

	require.Eventually(t, func() bool {
		return len(coordinator.ActiveTransactions()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, coordinator.CancelDistributedTransaction("tx-cancel"))
	assert.False(t, coordinator.CancelDistributedTransaction("tx-cancel"))

	got := <-done
	require.Error(t, got.err)
	assert.False(t, got.result.Success)
	assert.Contains(t, got.err.Error(), "cancelled")

	assert.True(t, orders.handleAt(0).wasRolledBack())
	assert.Empty(t, coordinator.ActiveTransactions())
}

func TestCancelDistributedTransaction_UnknownID(t *testing.T) {
	coordinator := newTestCoordinator()
	assert.False(t, coordinator.CancelDistributedTransaction("never-started"))
}

func TestExecuteDistributedTransaction_QueryResults(t *testing.T) {
	log := &effectLog{}
	orders := newFakeConnection("orders", log)
	orders.queryRows["select_totals"] = []Row{{"total": int64(42)}}
	coordinator := newTestCoordinator(orders)

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), []*Operation{
		NewQuery("orders", "select_totals"),
	}, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Results, 1)
	assert.Equal(t, []Row{{"total": int64(42)}}, result.Results[0].Rows)
}
