// Package postgres provides the PostgreSQL connection source, backed by
// github.com/jackc/pgx/v5 with pgxpool. Importing it registers the
// postgres:// and postgresql:// DSN schemes with the coordinator.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mayim-go/mayim"
)

func init() {
	mayim.RegisterSource("postgres", New)
	mayim.RegisterSource("postgresql", New)
}

// txKey is keyed per Pool so transactions of distinct sources sharing a
// context never cross.
type txKey struct{ p *Pool }

// Pool is a pgx-backed connection source.
type Pool struct {
	mu   sync.Mutex
	cfg  *pgxpool.Config
	pool *pgxpool.Pool
}

// New builds a Pool from a postgres DSN (URL or keyword/value form). The DSN
// is parsed immediately; connections are made on Open.
func New(dsn string) (mayim.Source, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg}, nil
}

// NewFromPool wraps an existing pgx pool.
func NewFromPool(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

// Dialect implements mayim.Source.
func (p *Pool) Dialect() mayim.Dialect { return mayim.Postgres }

// Open implements mayim.Source, creating the pool and verifying a
// connection. It is a no-op when the pool is already open.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open(ctx)
}

func (p *Pool) open(ctx context.Context) error {
	if p.pool != nil {
		return nil
	}
	if p.cfg == nil {
		return fmt.Errorf("mayim/postgres: no DSN configured")
	}
	pool, err := pgxpool.NewWithConfig(ctx, p.cfg)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	p.pool = pool
	return nil
}

// Close implements mayim.Source.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		return nil
	}
	p.pool.Close()
	p.pool = nil
	return nil
}

// Execute implements mayim.Source, opening the pool on first use. Rows are
// collected as column maps via pgx.RowToMap.
func (p *Pool) Execute(ctx context.Context, query string, args []any) ([]mayim.Row, error) {
	if err := p.ensureOpen(ctx); err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var err error
	if tx, ok := ctx.Value(txKey{p}).(pgx.Tx); ok {
		rows, err = tx.Query(ctx, query, args...)
	} else {
		rows, err = p.pool.Query(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

// Transaction implements mayim.TxSource.
func (p *Pool) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.ensureOpen(ctx); err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{p}, tx)); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (p *Pool) ensureOpen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open(ctx)
}
