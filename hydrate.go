package mayim

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Row is a raw result row as produced by a connection source: a mapping of
// column name to driver value.
type Row = map[string]any

// Hydrator casts raw rows from the data layer into application objects.
//
// Hydrate populates target (a non-nil pointer) from row. The context is
// always supplied so a strategy may itself perform suspending work, such as
// issuing further queries to fill a field; synchronous strategies simply
// ignore it. Note that query-per-row strategies carry the usual N+1 cost.
type Hydrator interface {
	Hydrate(ctx context.Context, row Row, target any) error
}

// DefaultHydrator is the fallback conversion strategy: columns are matched
// to struct fields by `db` tag or (case-insensitive) field name, unknown
// columns are dropped, nested row values hydrate recursively, and
// JSON-serialized sub-rows are decoded before hydration.
type DefaultHydrator struct{}

var (
	timeType    = reflect.TypeOf(time.Time{})
	byteSlice   = reflect.TypeOf([]byte(nil))
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// Hydrate implements Hydrator.
func (h DefaultHydrator) Hydrate(ctx context.Context, row Row, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: target must be a non-nil pointer, got %T", ErrBadTarget, target)
	}

	// Raw passthrough for map targets.
	if m, ok := target.(*Row); ok {
		*m = row
		return nil
	}

	elem := rv.Elem()
	for elem.Kind() == reflect.Pointer {
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		elem = elem.Elem()
	}

	if elem.Kind() == reflect.Struct && elem.Type() != timeType {
		return h.hydrateStruct(ctx, row, elem)
	}

	// Scalar target: the row must carry exactly one column.
	if len(row) != 1 {
		return fmt.Errorf("%w: scalar target %s requires 1 column, got %d", ErrBadTarget, elem.Type(), len(row))
	}
	for _, v := range row {
		return h.setValue(ctx, elem, v)
	}
	return nil
}

func (h DefaultHydrator) hydrateStruct(ctx context.Context, row Row, dst reflect.Value) error {
	fmap := fieldIndexMap(dst.Type())
	for col, v := range row {
		fi, ok := fmap[col]
		if !ok {
			fi, ok = fmap[strings.ToLower(col)]
		}
		if !ok {
			continue // unmapped column, dropped
		}
		if fi.ambiguous {
			return fmt.Errorf("%w: %q on %s", ErrFieldAmbiguous, col, dst.Type())
		}
		fv := fieldByIndexAlloc(dst, fi.index)
		if err := h.setValue(ctx, fv, v); err != nil {
			return fmt.Errorf("mayim: column %q: %w", col, err)
		}
	}
	return nil
}

// setValue assigns a single column value into a field, recursing for nested
// sub-rows and decoding serialized composites.
func (h DefaultHydrator) setValue(ctx context.Context, fv reflect.Value, v any) error {
	if v == nil {
		fv.SetZero()
		return nil
	}

	if fv.CanAddr() && fv.Addr().Type().Implements(scannerType) {
		return fv.Addr().Interface().(sql.Scanner).Scan(v)
	}

	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return h.setValue(ctx, fv.Elem(), v)
	}

	ft := fv.Type()

	// Nested sub-row into a struct or map field.
	if sub, ok := v.(map[string]any); ok && ft != timeType &&
		(fv.Kind() == reflect.Struct || fv.Kind() == reflect.Map) {
		return h.Hydrate(ctx, sub, fv.Addr().Interface())
	}

	// Embedded list of sub-rows into a slice-of-struct field.
	if fv.Kind() == reflect.Slice && ft != byteSlice {
		if subs, ok := asRowSlice(v); ok {
			out := reflect.MakeSlice(ft, len(subs), len(subs))
			for i, sub := range subs {
				if err := h.Hydrate(ctx, sub, out.Index(i).Addr().Interface()); err != nil {
					return err
				}
			}
			fv.Set(out)
			return nil
		}
	}

	// Serialized composite (e.g. a JSON column) into a structured field.
	if isSerialized(ft, fv.Kind()) {
		var raw []byte
		switch s := v.(type) {
		case []byte:
			raw = s
		case string:
			raw = []byte(s)
		}
		if raw != nil {
			return json.Unmarshal(raw, fv.Addr().Interface())
		}
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(ft) {
		fv.Set(rv)
		return nil
	}
	if convertibleValue(rv.Type(), ft) {
		fv.Set(rv.Convert(ft))
		return nil
	}
	return fmt.Errorf("cannot assign %T into %s", v, ft)
}

// isSerialized reports whether a field type is a candidate for decoding a
// serialized sub-row ([]byte/string JSON) rather than direct assignment.
func isSerialized(ft reflect.Type, k reflect.Kind) bool {
	if ft == timeType || ft == byteSlice {
		return false
	}
	return k == reflect.Struct || k == reflect.Map || k == reflect.Slice
}

// asRowSlice normalizes []map[string]any or []any-of-maps into []Row.
func asRowSlice(v any) ([]Row, bool) {
	switch s := v.(type) {
	case []map[string]any:
		return s, true
	case []any:
		out := make([]Row, len(s))
		for i, el := range s {
			m, ok := el.(map[string]any)
			if !ok {
				return nil, false
			}
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

// convertibleValue restricts reflect conversion to sensible column casts:
// numeric widths may shift, but numeric-to-string style conversions (which
// reflect would happily perform) are rejected.
func convertibleValue(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	fn, tn := isNumericKind(from.Kind()), isNumericKind(to.Kind())
	if fn != tn {
		return false
	}
	if from.Kind() == reflect.String && to.Kind() != reflect.String && to != byteSlice {
		return false
	}
	return true
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way.
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// --------------------------------
// Field index map
// --------------------------------

// fieldInfo describes a hydratable field: its index path into the struct and
// whether its name collides with another field.
type fieldInfo struct {
	index     []int
	ambiguous bool
}

const cacheSize = 4096

var structIndexCache = newFieldCache(cacheSize)

// fieldIndexMap returns a mapping from column name to fieldInfo for the given
// struct type. Anonymous embedded structs without a `db` tag are flattened;
// named struct fields stay leaves so they can receive nested hydration.
// Results are cached in a two-tier cache.
func fieldIndexMap(t reflect.Type) map[string]fieldInfo {
	if m, ok := structIndexCache.get(t); ok {
		return m
	}

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		m := make(map[string]fieldInfo)
		structIndexCache.put(t, m)
		return m
	}

	m := make(map[string]fieldInfo, base.NumField())

	var walk func(rt reflect.Type, path []int)
	walk = func(rt reflect.Type, path []int) {
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			name := strings.ToLower(f.Name)
			if tag != "" {
				if idx := strings.IndexByte(tag, ','); idx >= 0 {
					tag = tag[:idx]
				}
				if tag != "" {
					name = tag
				}
			}

			// Flatten anonymous embedded structs declared without a tag.
			if f.Anonymous && f.Tag.Get("db") == "" {
				et := f.Type
				if et.Kind() == reflect.Pointer {
					et = et.Elem()
				}
				if et.Kind() == reflect.Struct && et != timeType {
					walk(et, appendIndex(path, i))
					continue
				}
			}

			if prev, exists := m[name]; exists {
				if !prev.ambiguous {
					m[name] = fieldInfo{ambiguous: true}
				}
				continue
			}
			m[name] = fieldInfo{index: appendIndex(path, i)}
		}
	}

	walk(base, nil)
	structIndexCache.put(t, m)
	return m
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// --------------------------------
// Cache
// --------------------------------

// fieldCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type fieldCache struct {
	mu   sync.RWMutex
	curr map[reflect.Type]map[string]fieldInfo
	prev map[reflect.Type]map[string]fieldInfo
	max  int
}

func newFieldCache(max int) *fieldCache {
	if max <= 0 {
		max = cacheSize
	}
	return &fieldCache{
		curr: make(map[reflect.Type]map[string]fieldInfo, max/2),
		prev: make(map[reflect.Type]map[string]fieldInfo),
		max:  max,
	}
}

func (c *fieldCache) get(t reflect.Type) (map[string]fieldInfo, bool) {
	c.mu.RLock()
	if m, ok := c.curr[t]; ok {
		c.mu.RUnlock()
		return m, true
	}
	if m, ok := c.prev[t]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		if len(c.curr) >= c.max {
			c.prev = c.curr
			c.curr = make(map[reflect.Type]map[string]fieldInfo, c.max/2)
		}
		c.curr[t] = m
		c.mu.Unlock()
		return m, true
	}
	c.mu.RUnlock()
	return nil, false
}

func (c *fieldCache) put(t reflect.Type, idx map[string]fieldInfo) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[reflect.Type]map[string]fieldInfo, c.max/2)
	}
	c.curr[t] = idx
	c.mu.Unlock()
}
