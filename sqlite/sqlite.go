// Package sqlite provides the SQLite connection source, backed by
// database/sql and the pure-Go modernc.org/sqlite driver. Importing it
// registers the sqlite:// DSN scheme with the coordinator; a bare file path
// DSN also resolves here.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mayim-go/mayim"
	"github.com/mayim-go/mayim/internal/sqlconv"
)

func init() {
	mayim.RegisterSource("sqlite", New)
}

// Pool is a SQLite-backed connection source.
type Pool struct {
	mu   sync.Mutex
	path string
	conn sqlconv.Conn
}

// New builds a Pool for a database path. A sqlite:// prefix is stripped;
// driver options in the path (e.g. ?_pragma=...) pass through unchanged.
func New(dsn string) (mayim.Source, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("mayim/sqlite: empty database path")
	}
	return &Pool{path: path}, nil
}

// NewFromDB wraps an existing database handle.
func NewFromDB(db *sql.DB) *Pool {
	return &Pool{conn: sqlconv.Conn{DB: db}}
}

// Dialect implements mayim.Source.
func (p *Pool) Dialect() mayim.Dialect { return mayim.SQLite }

// Open implements mayim.Source. It is a no-op when already open.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open(ctx)
}

func (p *Pool) open(ctx context.Context) error {
	if p.conn.DB != nil {
		return nil
	}
	if p.path == "" {
		return fmt.Errorf("mayim/sqlite: no database path configured")
	}
	db, err := sql.Open("sqlite", p.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}
	p.conn.DB = db
	return nil
}

// Close implements mayim.Source.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn.DB == nil {
		return nil
	}
	err := p.conn.DB.Close()
	p.conn.DB = nil
	return err
}

// Execute implements mayim.Source, opening the database on first use.
func (p *Pool) Execute(ctx context.Context, query string, args []any) ([]mayim.Row, error) {
	if err := p.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return p.conn.Execute(ctx, query, args)
}

// Transaction implements mayim.TxSource.
func (p *Pool) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.ensureOpen(ctx); err != nil {
		return err
	}
	return p.conn.Transaction(ctx, fn)
}

func (p *Pool) ensureOpen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open(ctx)
}
