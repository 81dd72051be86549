// Package sqlconv holds the database/sql plumbing shared by the driver
// adapters built on the standard library: row conversion to column maps and
// context-carried transactions.
package sqlconv

import (
	"context"
	"database/sql"

	"github.com/mayim-go/mayim"
)

// querier matches *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// txKey is keyed per *sql.DB so transactions of distinct sources sharing a
// context never cross.
type txKey struct{ db *sql.DB }

// Conn wraps a *sql.DB with map-row execution. Statements issued within a
// Transaction callback (through the context it receives) run on the
// transaction instead of the pool.
type Conn struct {
	DB *sql.DB
}

// Execute runs a statement and returns the result rows as column maps.
func (c *Conn) Execute(ctx context.Context, query string, args []any) ([]mayim.Row, error) {
	var q querier = c.DB
	if tx, ok := ctx.Value(txKey{c.DB}).(*sql.Tx); ok {
		q = tx
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return RowsToMaps(rows)
}

// Transaction runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
func (c *Conn) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{c.DB}, tx)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RowsToMaps drains rows into ordered column-name maps.
func RowsToMaps(rows *sql.Rows) ([]mayim.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []mayim.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(mayim.Row, len(cols))
		for i, col := range cols {
			m[col] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
