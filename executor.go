package mayim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"sync"
)

// Executor is the data-access object at the center of the pipeline. User
// query types embed it and expose one method per declared query:
//
//	type CityQueries struct {
//		mayim.Executor
//	}
//
//	func (q *CityQueries) SelectAllCities(ctx context.Context, limit, offset int) ([]City, error) {
//		return mayim.All[City](ctx, &q.Executor, "select_all_cities", mayim.Positional(limit, offset))
//	}
//
// On the first call of each query name the executor resolves its descriptor
// (inline declaration, or a .sql file in the search path) and caches it for
// the executor's lifetime. Every call then binds arguments, delegates to the
// bound connection source, and hydrates the raw rows into the declared type.
//
// The zero value is usable; it resolves files from ./queries and reports
// ErrNotConnected until a source is bound (directly or via Load/Configure).
type Executor struct {
	mu sync.RWMutex

	name          string
	fsys          fs.FS
	dir           string
	genericPrefix string
	verbPrefixes  []string
	lenient       bool

	source   Source
	hydrator Hydrator
	fallback Hydrator
	methods  map[string]Hydrator

	inline  map[string]Query
	queries map[string]Query
}

// DefaultGenericPrefix is the file-name prefix recognized for queries whose
// names carry no verb prefix.
const DefaultGenericPrefix = "mayim_"

// DefaultVerbPrefixes are the method-name prefixes matched directly against
// {verb}_{name}.sql files.
var DefaultVerbPrefixes = []string{"select_", "create_", "insert_", "update_", "delete_"}

// Bind assigns the connection source. Binding the same source again is a
// no-op; binding a different source replaces it for subsequent calls, while
// in-flight calls keep whatever source they already captured.
func (e *Executor) Bind(s Source) {
	e.mu.Lock()
	e.source = s
	e.mu.Unlock()
}

// Source returns the currently bound connection source, or nil.
func (e *Executor) Source() Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

// UseQueryFS sets the filesystem and directory searched for .sql files.
// Typically fsys is an embed.FS; dir may be empty when fsys is already
// rooted at the query directory.
func (e *Executor) UseQueryFS(fsys fs.FS, dir string) {
	e.mu.Lock()
	e.fsys = fsys
	e.dir = dir
	e.mu.Unlock()
}

// SetGenericPrefix overrides the generic file-name prefix.
func (e *Executor) SetGenericPrefix(prefix string) {
	e.mu.Lock()
	e.genericPrefix = prefix
	e.mu.Unlock()
}

// SetVerbPrefixes overrides the recognized verb prefixes.
func (e *Executor) SetVerbPrefixes(prefixes []string) {
	e.mu.Lock()
	e.verbPrefixes = prefixes
	e.mu.Unlock()
}

// SetStrict controls whether unresolved query names surface as a
// configuration error (MissingSQLError) or as ErrQueryNotFound, which a
// method may tolerate by falling back to RunSQL. Strict is the default.
func (e *Executor) SetStrict(strict bool) {
	e.mu.Lock()
	e.lenient = !strict
	e.mu.Unlock()
}

// SetHydrator sets the instance-level hydration strategy.
func (e *Executor) SetHydrator(h Hydrator) {
	e.mu.Lock()
	e.hydrator = h
	e.mu.Unlock()
}

// SetMethodHydrator attaches a hydration strategy to a single query name,
// taking precedence over the instance-level strategy.
func (e *Executor) SetMethodHydrator(name string, h Hydrator) {
	e.mu.Lock()
	if e.methods == nil {
		e.methods = make(map[string]Hydrator)
	}
	e.methods[name] = h
	e.mu.Unlock()
}

// setFallbackHydrator is the coordinator-level strategy, consulted after the
// method- and instance-level ones.
func (e *Executor) setFallbackHydrator(h Hydrator) {
	e.mu.Lock()
	e.fallback = h
	e.mu.Unlock()
}

func (e *Executor) setName(name string) {
	e.mu.Lock()
	e.name = name
	e.mu.Unlock()
}

// Inline declares a query's SQL directly, bypassing file discovery for that
// name entirely. The text is validated immediately.
func (e *Executor) Inline(name, text string) error {
	q, err := NewQuery(name, text, SourceInline)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.inline == nil {
		e.inline = make(map[string]Query)
	}
	e.inline[name] = q
	e.mu.Unlock()
	return nil
}

// Query returns the resolved descriptor for a query name, resolving and
// caching it if needed. It is the fragment-composition hook: callers may
// concatenate descriptor texts (Query.Append) before passing the result to
// RunSQL. No guardrails are applied to composed text beyond placeholder
// style checks.
func (e *Executor) Query(name string) (Query, error) {
	return e.resolve(name)
}

// HasQuery reports whether a query name resolves, without treating failure
// as an error. Non-strict executors use it to branch to a dynamic path.
func (e *Executor) HasQuery(name string) bool {
	_, err := e.resolve(name)
	return err == nil
}

// resolve finds the descriptor for a query name: cached value first, then
// inline declaration, then the file search path. The result is memoized for
// the executor's lifetime, so a source file is read at most once and later
// edits to it are invisible.
func (e *Executor) resolve(name string) (Query, error) {
	e.mu.RLock()
	q, ok := e.queries[name]
	if !ok {
		q, ok = e.inline[name]
	}
	e.mu.RUnlock()
	if ok {
		return q, nil
	}

	q, tried, err := e.loadFromFiles(name)
	if err != nil {
		// Only a true not-found means the query is missing. A file that was
		// found but failed to read or validate must surface its own error,
		// never a not-found that HasQuery would swallow.
		if !errors.Is(err, fs.ErrNotExist) {
			return Query{}, fmt.Errorf("%s.%s: %w", e.displayName(), name, err)
		}
		if e.isLenient() {
			return Query{}, fmt.Errorf("%w: %s.%s", ErrQueryNotFound, e.displayName(), name)
		}
		return Query{}, &MissingSQLError{Executor: e.displayName(), Name: name, Tried: tried}
	}

	e.mu.Lock()
	if e.queries == nil {
		e.queries = make(map[string]Query)
	}
	if cached, raced := e.queries[name]; raced {
		q = cached // idempotent: a concurrent first call produced an equal value
	} else {
		e.queries[name] = q
	}
	e.mu.Unlock()
	return q, nil
}

func (e *Executor) isLenient() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lenient
}

func (e *Executor) displayName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.name == "" {
		return "Executor"
	}
	return e.name
}

// hydratorFor applies the override precedence: per-call, then per-method,
// then instance, then coordinator fallback, then the default strategy.
func (e *Executor) hydratorFor(name string, override Hydrator) Hydrator {
	if override != nil {
		return override
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.methods[name]; ok {
		return h
	}
	if e.hydrator != nil {
		return e.hydrator
	}
	if e.fallback != nil {
		return e.fallback
	}
	return DefaultHydrator{}
}

// run renders a template against the bound source's dialect and executes it.
func (e *Executor) run(ctx context.Context, text string, args Args) ([]Row, error) {
	src := e.Source()
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, e.displayName())
	}
	rendered, bound, err := Render(src.Dialect(), text, args)
	if err != nil {
		return nil, err
	}
	return src.Execute(ctx, rendered, bound)
}

// RunSQL executes explicit SQL text and returns the unconverted rows. This
// is the dynamic escape hatch: no resolution, no hydration. The text still
// uses $name / $1 placeholders and is rendered for the bound dialect.
func (e *Executor) RunSQL(ctx context.Context, text string, args Args) ([]Row, error) {
	return e.run(ctx, text, args)
}

// Transaction runs fn inside a transaction on the bound source. Queries
// issued through the context fn receives share the transaction, which
// commits when fn returns nil and rolls back otherwise. The source must
// implement TxSource.
func (e *Executor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	src := e.Source()
	if src == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, e.displayName())
	}
	tx, ok := src.(TxSource)
	if !ok {
		return fmt.Errorf("mayim: source %T does not support transactions", src)
	}
	return tx.Transaction(ctx, fn)
}

// RunQuery executes a resolved query by name and returns the unconverted
// rows, for callers that hydrate manually.
func (e *Executor) RunQuery(ctx context.Context, name string, args Args) ([]Row, error) {
	q, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, q.Text, args)
}

// Call is the low-level execution request used by Execute and ExecuteOne.
// Name identifies the declared query; SQL, when set, bypasses resolution and
// executes the given text directly (Name is then only used for hydrator
// selection and error messages).
type Call struct {
	Name      string
	SQL       string
	Args      Args
	AllowNone bool     // single-shape only: tolerate zero rows
	Hydrator  Hydrator // per-call strategy override
}

// Execute runs a call and hydrates every row, yielding the list shape.
// Zero rows yield an empty slice, never an error.
func Execute[T any](ctx context.Context, e *Executor, c Call) ([]T, error) {
	rows, err := callRows(ctx, e, c)
	if err != nil {
		return nil, err
	}
	h := e.hydratorFor(c.Name, c.Hydrator)
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := hydrateRow[T](ctx, h, row)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// ExecuteOne runs a call expecting the single-item shape. With zero rows it
// returns ErrRecordNotFound, unless the call allows none, in which case the
// zero value is returned with a nil error.
func ExecuteOne[T any](ctx context.Context, e *Executor, c Call) (T, error) {
	var zero T
	rows, err := callRows(ctx, e, c)
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		if c.AllowNone {
			return zero, nil
		}
		return zero, fmt.Errorf("%w: <%s> with %v", ErrRecordNotFound, c.Name, c.Args)
	}
	return hydrateRow[T](ctx, e.hydratorFor(c.Name, c.Hydrator), rows[0])
}

func callRows(ctx context.Context, e *Executor, c Call) ([]Row, error) {
	text := c.SQL
	if text == "" {
		q, err := e.resolve(c.Name)
		if err != nil {
			return nil, err
		}
		text = q.Text
	}
	return e.run(ctx, text, c.Args)
}

// hydrateRow produces one T from a row. Pointer types are allocated before
// hydration so []*T result shapes work naturally.
func hydrateRow[T any](ctx context.Context, h Hydrator, row Row) (T, error) {
	var item T
	rv := reflect.ValueOf(&item).Elem()
	if rv.Kind() == reflect.Pointer {
		rv.Set(reflect.New(rv.Type().Elem()))
		return item, h.Hydrate(ctx, row, rv.Interface())
	}
	return item, h.Hydrate(ctx, row, &item)
}

// All executes a declared query and hydrates every row into a slice of T.
func All[T any](ctx context.Context, e *Executor, name string, args Args) ([]T, error) {
	return Execute[T](ctx, e, Call{Name: name, Args: args})
}

// One executes a declared query expecting at least one row, hydrating the
// first into T. Zero rows is ErrRecordNotFound.
func One[T any](ctx context.Context, e *Executor, name string, args Args) (T, error) {
	return ExecuteOne[T](ctx, e, Call{Name: name, Args: args})
}

// Maybe is One with zero rows allowed: the second return reports whether a
// record was found. It always uses the standing hydrator chain; for a
// per-call strategy override use ExecuteOne with AllowNone set.
func Maybe[T any](ctx context.Context, e *Executor, name string, args Args) (T, bool, error) {
	rows, err := callRows(ctx, e, Call{Name: name, Args: args})
	if err != nil {
		var zero T
		return zero, false, err
	}
	if len(rows) == 0 {
		var zero T
		return zero, false, nil
	}
	item, err := hydrateRow[T](ctx, e.hydratorFor(name, nil), rows[0])
	return item, err == nil, err
}

// Exec executes a declared query and discards any result rows, for
// statements run purely for their side effects.
func Exec(ctx context.Context, e *Executor, name string, args Args) error {
	q, err := e.resolve(name)
	if err != nil {
		return err
	}
	_, err = e.run(ctx, q.Text, args)
	return err
}
