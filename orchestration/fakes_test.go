package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// effectLog records side effects across every fake connection so tests can
// assert global ordering.
type effectLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *effectLog) record(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *effectLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *effectLog) matching(substr string) []string {
	var out []string
	for _, e := range l.snapshot() {
		if strings.Contains(e, substr) {
			out = append(out, e)
		}
	}
	return out
}

// fakeConnection is an in-memory Connection whose handles record every call
// into the shared effect log. Failures and delays are scripted per statement.
type fakeConnection struct {
	name string
	log  *effectLog

	beginErr    error
	commitErr   error
	rollbackErr error
	failOn      map[string]error
	delayOn     map[string]time.Duration
	queryRows   map[string][]Row

	mu      sync.Mutex
	handles []*fakeHandle
}

func newFakeConnection(name string, log *effectLog) *fakeConnection {
	return &fakeConnection{
		name:      name,
		log:       log,
		failOn:    make(map[string]error),
		delayOn:   make(map[string]time.Duration),
		queryRows: make(map[string][]Row),
	}
}

func (c *fakeConnection) BeginTransaction(ctx context.Context) (TransactionHandle, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}

	c.log.record("%s:begin", c.name)
	h := &fakeHandle{conn: c}

	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()

	return h, nil
}

func (c *fakeConnection) handleAt(i int) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[i]
}

func (c *fakeConnection) handleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

type fakeHandle struct {
	conn *fakeConnection

	mu         sync.Mutex
	statements []string
	committed  bool
	rolledBack bool
}

func (h *fakeHandle) run(ctx context.Context, statement string) error {
	if delay, ok := h.conn.delayOn[statement]; ok {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err, ok := h.conn.failOn[statement]; ok {
		return err
	}

	h.conn.log.record("%s:exec:%s", h.conn.name, statement)
	h.mu.Lock()
	h.statements = append(h.statements, statement)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Query(ctx context.Context, statement string, params ...interface{}) ([]Row, error) {
	if err := h.run(ctx, statement); err != nil {
		return nil, err
	}
	return h.conn.queryRows[statement], nil
}

func (h *fakeHandle) Execute(ctx context.Context, statement string, params ...interface{}) (*ExecResult, error) {
	if err := h.run(ctx, statement); err != nil {
		return nil, err
	}
	return &ExecResult{AffectedRows: 1, Success: true}, nil
}

func (h *fakeHandle) Commit(ctx context.Context) error {
	if h.conn.commitErr != nil {
		return h.conn.commitErr
	}

	h.conn.log.record("%s:commit", h.conn.name)
	h.mu.Lock()
	h.committed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Rollback(ctx context.Context) error {
	if h.conn.rollbackErr != nil {
		return h.conn.rollbackErr
	}

	h.conn.log.record("%s:rollback", h.conn.name)
	h.mu.Lock()
	h.rolledBack = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Savepoint(ctx context.Context, name string) error {
	h.conn.log.record("%s:savepoint:%s", h.conn.name, name)
	return nil
}

func (h *fakeHandle) RollbackToSavepoint(ctx context.Context, name string) error {
	h.conn.log.record("%s:rollback_to:%s", h.conn.name, name)
	return nil
}

func (h *fakeHandle) wasCommitted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.committed
}

func (h *fakeHandle) wasRolledBack() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rolledBack
}
