package mayim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"sync"
)

// Optional configuration interfaces, checked on each executor registered
// through Load or Configure. Implementing any of them on the embedding type
// overrides the corresponding default.
type (
	// QueryFSProvider supplies the filesystem (typically an embed.FS) and
	// subdirectory searched for .sql files.
	QueryFSProvider interface {
		QueryFS() (fs.FS, string)
	}

	// GenericPrefixProvider overrides the generic file-name prefix.
	GenericPrefixProvider interface {
		GenericPrefix() string
	}

	// VerbPrefixProvider overrides the recognized verb prefixes.
	VerbPrefixProvider interface {
		VerbPrefixes() []string
	}

	// InlineProvider declares queries inline, keyed by query name. Inline
	// declarations take precedence over files and are validated at Load time.
	InlineProvider interface {
		Queries() map[string]string
	}

	// HydratorProvider attaches method-level hydration strategies.
	HydratorProvider interface {
		Hydrators() map[string]Hydrator
	}
)

// Config is the coordinator configuration surface.
type Config struct {
	// DSN for the default connection source; its scheme selects a registered
	// driver adapter. Mutually exclusive with Source.
	DSN string

	// Source is an explicitly constructed connection source.
	Source Source

	// Executors to register and bind immediately.
	Executors []any

	// Hydrator is the process-wide fallback conversion strategy.
	Hydrator Hydrator

	// Lenient disables strict mode: unresolved query names then surface as
	// ErrQueryNotFound instead of a MissingSQLError configuration error.
	Lenient bool
}

// Registry is the process-wide coordinator: it owns the default connection
// source and the mapping from executor type to live instance. Most programs
// use the package-level functions, which operate on a single default
// registry; a separate Registry is useful in tests.
type Registry struct {
	mu        sync.Mutex
	executors map[reflect.Type]any
	source    Source
	hydrator  Hydrator
	lenient   bool
}

// NewRegistry returns an empty strict-mode registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[reflect.Type]any)}
}

var std = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return std }

// Configure establishes (or replaces) the registry's default connection
// source, registers any supplied executors, and rebinds every registered
// executor to the new source. Calling it again re-points previously loaded
// executors at the new source; calls already in flight complete against
// whatever source they captured.
func (r *Registry) Configure(cfg Config) error {
	if cfg.DSN != "" && cfg.Source != nil {
		return ErrConflictingSource
	}

	source := cfg.Source
	if cfg.DSN != "" {
		var err error
		if source, err = sourceForDSN(cfg.DSN); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.source = source
	r.hydrator = cfg.Hydrator
	r.lenient = cfg.Lenient
	r.mu.Unlock()

	if err := r.Load(cfg.Executors...); err != nil {
		return err
	}
	return r.rebindAll()
}

// Load registers executors and binds them to the currently configured
// connection source. If no source is configured yet, binding is deferred:
// the executor is registered but reports ErrNotConnected until Configure
// supplies a source.
func (r *Registry) Load(executors ...any) error {
	for _, raw := range executors {
		if err := r.register(raw); err != nil {
			return err
		}
	}
	return nil
}

// register wires one executor: locates the embedded Executor, applies the
// optional configuration interfaces, and binds the current source.
// Registration is keyed by the concrete type; last registered wins.
func (r *Registry) register(raw any) error {
	e, err := findExecutor(raw)
	if err != nil {
		return err
	}

	t := reflect.TypeOf(raw)
	e.setName(typeName(t))

	if p, ok := raw.(QueryFSProvider); ok {
		e.UseQueryFS(p.QueryFS())
	}
	if p, ok := raw.(GenericPrefixProvider); ok {
		e.SetGenericPrefix(p.GenericPrefix())
	}
	if p, ok := raw.(VerbPrefixProvider); ok {
		e.SetVerbPrefixes(p.VerbPrefixes())
	}
	if p, ok := raw.(InlineProvider); ok {
		for name, text := range p.Queries() {
			if err := e.Inline(name, text); err != nil {
				return err
			}
		}
	}
	if p, ok := raw.(HydratorProvider); ok {
		for name, h := range p.Hydrators() {
			e.SetMethodHydrator(name, h)
		}
	}

	r.mu.Lock()
	source, hydrator, lenient := r.source, r.hydrator, r.lenient
	r.executors[t] = raw
	r.mu.Unlock()

	e.SetStrict(!lenient)
	e.setFallbackHydrator(hydrator)
	e.Bind(source)
	return nil
}

// rebindAll points every registered executor at the current source and
// fallback settings.
func (r *Registry) rebindAll() error {
	r.mu.Lock()
	source, hydrator, lenient := r.source, r.hydrator, r.lenient
	all := make([]any, 0, len(r.executors))
	for _, raw := range r.executors {
		all = append(all, raw)
	}
	r.mu.Unlock()

	for _, raw := range all {
		e, err := findExecutor(raw)
		if err != nil {
			return err
		}
		e.SetStrict(!lenient)
		e.setFallbackHydrator(hydrator)
		e.Bind(source)
	}
	return nil
}

// lookup returns the registered instance for a concrete executor type.
func (r *Registry) lookup(t reflect.Type) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.executors[t]
	return raw, ok
}

// sources returns the distinct connection sources in play: the default plus
// any executor-specific bindings.
func (r *Registry) sources() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[Source]bool)
	var out []Source
	if r.source != nil {
		seen[r.source] = true
		out = append(out, r.source)
	}
	for _, raw := range r.executors {
		if e, err := findExecutor(raw); err == nil {
			if s := e.Source(); s != nil && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Connect opens every distinct connection source bound through this
// registry.
func (r *Registry) Connect(ctx context.Context) error {
	var errs []error
	for _, s := range r.sources() {
		if err := s.Open(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes every distinct connection source bound through this
// registry.
func (r *Registry) Disconnect(ctx context.Context) error {
	var errs []error
	for _, s := range r.sources() {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset empties the registry and drops the configured source. Intended for
// tests; executors must be loaded again afterwards.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.executors = make(map[reflect.Type]any)
	r.source = nil
	r.hydrator = nil
	r.lenient = false
	r.mu.Unlock()
}

// Configure configures the default registry. See Registry.Configure.
func Configure(cfg Config) error { return std.Configure(cfg) }

// Load registers executors with the default registry. See Registry.Load.
func Load(executors ...any) error { return std.Load(executors...) }

// Connect opens all sources of the default registry.
func Connect(ctx context.Context) error { return std.Connect(ctx) }

// Disconnect closes all sources of the default registry.
func Disconnect(ctx context.Context) error { return std.Disconnect(ctx) }

// Reset empties the default registry.
func Reset() { std.Reset() }

// Get fetches the registered instance of an executor type from the default
// registry:
//
//	cities, err := mayim.Get[*CityQueries]()
func Get[T any]() (T, error) { return GetFrom[T](std) }

// GetFrom is Get against an explicit registry.
func GetFrom[T any](r *Registry) (T, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return zero, fmt.Errorf("%w: %T is not a concrete executor type", ErrNotRegistered, zero)
	}
	raw, ok := r.lookup(t)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotRegistered, typeName(t))
	}
	return raw.(T), nil
}

var executorType = reflect.TypeOf(Executor{})

// findExecutor locates the mayim.Executor embedded in a user query type.
// The value must be a pointer to a struct embedding Executor, or a bare
// *Executor.
func findExecutor(raw any) (*Executor, error) {
	if e, ok := raw.(*Executor); ok {
		return e, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("mayim: %T must be a non-nil pointer to a struct embedding mayim.Executor", raw)
	}
	elem := rv.Elem()
	for i := 0; i < elem.NumField(); i++ {
		if elem.Type().Field(i).Type == executorType {
			return elem.Field(i).Addr().Interface().(*Executor), nil
		}
	}
	return nil, fmt.Errorf("mayim: %T does not embed mayim.Executor", raw)
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
