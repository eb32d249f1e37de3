package orchestration

import (
	"context"
	"sync"
	"time"
)

// Row represents a single result row keyed by column name.
type Row map[string]interface{}

// ExecResult represents the outcome of a write statement.
type ExecResult struct {
	AffectedRows int64         `json:"affected_rows"`
	InsertID     int64         `json:"insert_id,omitempty"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
}

// TransactionHandle is a single open transaction on one connection. A handle
// is owned exclusively by one run and must not be shared across runs.
type TransactionHandle interface {
	Query(ctx context.Context, statement string, params ...interface{}) ([]Row, error)
	Execute(ctx context.Context, statement string, params ...interface{}) (*ExecResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
}

// Connection hands out transaction handles. Implementations are injected;
// the coordinator never constructs connections itself.
type Connection interface {
	BeginTransaction(ctx context.Context) (TransactionHandle, error)
}

// Registry holds named connections. Lookup of an unknown name fails with
// ConnectionNotFoundError.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]Connection),
	}
}

// RegisterConnection registers a connection under the given name, replacing
// any previous registration.
func (r *Registry) RegisterConnection(name string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[name] = conn
}

// Connection returns the connection registered under name.
func (r *Registry) Connection(name string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[name]
	if !ok {
		return nil, &ConnectionNotFoundError{Name: name}
	}
	return conn, nil
}

// Names returns the registered connection names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connections))
	for name := range r.connections {
		names = append(names, name)
	}
	return names
}
