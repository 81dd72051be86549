package mayim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Source is the connection-source capability consumed by executors: something
// that can run bound SQL and hand back rows as column-name mappings. Pooling,
// checkout, timeouts, and cancellation are entirely the source's concern.
type Source interface {
	// Dialect reports the placeholder convention the source's driver expects.
	Dialect() Dialect

	// Execute runs a statement with already-rendered placeholders and bound
	// arguments, returning the result rows in order. Driver failures are
	// returned as-is.
	Execute(ctx context.Context, query string, args []any) ([]Row, error)

	// Open establishes the underlying connection or pool.
	Open(ctx context.Context) error

	// Close releases the underlying connection or pool.
	Close(ctx context.Context) error
}

// TxSource is implemented by sources that support transactions. Statements
// executed within fn (through the context it receives) share one transaction,
// which commits when fn returns nil and rolls back otherwise.
type TxSource interface {
	Source
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SourceFactory constructs a Source from a DSN.
type SourceFactory func(dsn string) (Source, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]SourceFactory)
)

// RegisterSource makes a source factory available under a DSN scheme, in the
// manner of database/sql driver registration. Driver adapter packages call
// this from init, so a blank import is enough to enable a scheme.
func RegisterSource(scheme string, factory SourceFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[scheme] = factory
}

// sourceForDSN constructs a Source for the DSN's scheme. A DSN with no
// scheme separator is treated as a SQLite database path, if that scheme has
// been registered.
func sourceForDSN(dsn string) (Source, error) {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		scheme = "sqlite"
	}

	factoriesMu.RLock()
	factory, found := factories[scheme]
	var known []string
	if !found {
		for s := range factories {
			known = append(known, s)
		}
	}
	factoriesMu.RUnlock()

	if !found {
		sort.Strings(known)
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownScheme, scheme, strings.Join(known, ", "))
	}
	return factory(dsn)
}
