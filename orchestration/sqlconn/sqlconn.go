// Package sqlconn adapts a sqlx database to the orchestration connection
// contracts.
package sqlconn

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/sagaline/tx-orchestrator/orchestration"
)

// Connection wraps a sqlx database pool.
type Connection struct {
	db *sqlx.DB
}

var _ orchestration.Connection = (*Connection)(nil)

// New wraps an existing database pool.
func New(db *sqlx.DB) *Connection {
	return &Connection{db: db}
}

// Open connects to the database and verifies the connection.
func Open(driverName, dsn string) (*Connection, error) {
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return &Connection{db: db}, nil
}

// BeginTransaction opens a new database transaction.
func (c *Connection) BeginTransaction(ctx context.Context) (orchestration.TransactionHandle, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &txHandle{tx: tx}, nil
}

// Close closes the underlying pool.
func (c *Connection) Close() error {
	return c.db.Close()
}

type txHandle struct {
	tx *sqlx.Tx
}

func (h *txHandle) Query(ctx context.Context, statement string, params ...interface{}) ([]orchestration.Row, error) {
	rows, err := h.tx.QueryxContext(ctx, statement, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []orchestration.Row
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		result = append(result, orchestration.Row(row))
	}
	return result, rows.Err()
}

func (h *txHandle) Execute(ctx context.Context, statement string, params ...interface{}) (*orchestration.ExecResult, error) {
	start := time.Now()

	res, err := h.tx.ExecContext(ctx, statement, params...)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}

	// Postgres does not report insert IDs through the driver; RETURNING
	// clauses surface them as query rows instead.
	insertID, err := res.LastInsertId()
	if err != nil {
		insertID = 0
	}

	return &orchestration.ExecResult{
		AffectedRows: affected,
		InsertID:     insertID,
		Duration:     time.Since(start),
		Success:      true,
	}, nil
}

func (h *txHandle) Commit(ctx context.Context) error {
	return h.tx.Commit()
}

func (h *txHandle) Rollback(ctx context.Context) error {
	return h.tx.Rollback()
}

func (h *txHandle) Savepoint(ctx context.Context, name string) error {
	_, err := h.tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", pq.QuoteIdentifier(name)))
	return err
}

func (h *txHandle) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := h.tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", pq.QuoteIdentifier(name)))
	return err
}
