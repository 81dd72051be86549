package mayim

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"testing/fstest"
)

// fakeSource records what reaches the connection layer and plays back
// canned rows.
type fakeSource struct {
	dialect Dialect
	rows    []Row
	err     error

	mu      sync.Mutex
	gotSQL  string
	gotArgs []any
	calls   int
	opened  bool
	closed  bool
}

func (f *fakeSource) Dialect() Dialect { return f.dialect }

func (f *fakeSource) Execute(_ context.Context, query string, args []any) ([]Row, error) {
	f.mu.Lock()
	f.gotSQL = query
	f.gotArgs = args
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeSource) Open(context.Context) error {
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// countingFS wraps a MapFS and counts file opens. It deliberately does not
// embed the MapFS, so fs.ReadFile goes through Open and every read is seen.
type countingFS struct {
	inner fstest.MapFS
	opens map[string]int
}

func newCountingFS(files map[string]string) *countingFS {
	m := fstest.MapFS{}
	for name, text := range files {
		m[name] = &fstest.MapFile{Data: []byte(text)}
	}
	return &countingFS{inner: m, opens: make(map[string]int)}
}

func (c *countingFS) Open(name string) (fs.File, error) {
	c.opens[name]++
	return c.inner.Open(name)
}

func newTestExecutor(src Source, files map[string]string) (*Executor, *countingFS) {
	e := &Executor{}
	if src != nil {
		e.Bind(src)
	}
	cfs := newCountingFS(files)
	e.UseQueryFS(cfs, "")
	return e, cfs
}

func TestExecutorResolvesVerbFile(t *testing.T) {
	src := &fakeSource{dialect: Postgres, rows: []Row{{"id": 1, "name": "Kabul"}}}
	e, cfs := newTestExecutor(src, map[string]string{
		"select_city_by_name.sql": "SELECT * FROM city WHERE name = $name",
	})

	got, err := One[city](t.Context(), e, "select_city_by_name", Named(map[string]any{"name": "Kabul"}))
	assertNoError(t, err)
	if got.Name != "Kabul" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if src.gotSQL != "SELECT * FROM city WHERE name = $1" {
		t.Fatalf("rendered sql = %q", src.gotSQL)
	}
	if len(src.gotArgs) != 1 || src.gotArgs[0] != "Kabul" {
		t.Fatalf("bound args = %v", src.gotArgs)
	}
	if cfs.opens["select_city_by_name.sql"] != 1 {
		t.Fatalf("opens = %v", cfs.opens)
	}
}

func TestExecutorResolvesGenericPrefixFile(t *testing.T) {
	src := &fakeSource{dialect: SQLite}
	e, _ := newTestExecutor(src, map[string]string{
		"mayim_city_count.sql": "SELECT count(*) FROM city",
	})

	q, err := e.Query("city_count")
	assertNoError(t, err)
	if q.Text != "SELECT count(*) FROM city" || q.Source != SourceFile {
		t.Fatalf("unexpected descriptor: %+v", q)
	}
}

func TestExecutorCustomGenericPrefix(t *testing.T) {
	e, _ := newTestExecutor(nil, map[string]string{
		"sql_city_count.sql": "SELECT count(*) FROM city",
	})
	e.SetGenericPrefix("sql_")

	if !e.HasQuery("city_count") {
		t.Fatal("custom prefix file not found")
	}
}

func TestExecutorInlineBeatsFile(t *testing.T) {
	src := &fakeSource{dialect: Postgres}
	e, cfs := newTestExecutor(src, map[string]string{
		"select_cities.sql": "SELECT wrong",
	})
	assertNoError(t, e.Inline("select_cities", "SELECT right"))

	q, err := e.Query("select_cities")
	assertNoError(t, err)
	if q.Text != "SELECT right" || q.Source != SourceInline {
		t.Fatalf("unexpected descriptor: %+v", q)
	}
	if cfs.opens["select_cities.sql"] != 0 {
		t.Fatalf("file was read despite inline declaration: %v", cfs.opens)
	}
}

// A source file is read at most once per executor; later edits are invisible.
func TestExecutorResolveMemoized(t *testing.T) {
	src := &fakeSource{dialect: Postgres}
	e, cfs := newTestExecutor(src, map[string]string{
		"select_cities.sql": "SELECT v1",
	})

	q, err := e.Query("select_cities")
	assertNoError(t, err)
	if q.Text != "SELECT v1" {
		t.Fatalf("text = %q", q.Text)
	}

	cfs.inner["select_cities.sql"] = &fstest.MapFile{Data: []byte("SELECT v2")}

	q, err = e.Query("select_cities")
	assertNoError(t, err)
	if q.Text != "SELECT v1" {
		t.Fatalf("memoized text changed: %q", q.Text)
	}
	if cfs.opens["select_cities.sql"] != 1 {
		t.Fatalf("opens = %v, want one read", cfs.opens)
	}
}

// A file that exists but holds an invalid template must report the
// validation error, not a not-found, in either strictness mode.
func TestExecutorInvalidQueryFile(t *testing.T) {
	e, _ := newTestExecutor(nil, map[string]string{
		"select_bad.sql": "SELECT $1 WHERE x = $name",
	})
	_, err := e.Query("select_bad")
	assertErrorIs(t, err, ErrMixedParams)

	e.SetStrict(false)
	_, err = e.Query("select_bad")
	assertErrorIs(t, err, ErrMixedParams)
	if e.HasQuery("select_bad") {
		t.Fatal("HasQuery reported an invalid file as resolvable")
	}
}

func TestExecutorEmptyQueryFile(t *testing.T) {
	e, _ := newTestExecutor(nil, map[string]string{
		"select_empty.sql": "",
	})
	_, err := e.Query("select_empty")
	assertErrorIs(t, err, ErrEmptyQuery)
}

// failFS refuses every open with a fixed error.
type failFS struct{ err error }

func (f failFS) Open(string) (fs.File, error) { return nil, f.err }

func TestExecutorFileReadError(t *testing.T) {
	e := &Executor{}
	e.UseQueryFS(failFS{err: fs.ErrPermission}, "")

	_, err := e.Query("select_cities")
	assertErrorIs(t, err, fs.ErrPermission)

	e.SetStrict(false)
	_, err = e.Query("select_cities")
	assertErrorIs(t, err, fs.ErrPermission)
}

func TestExecutorStrictMissingSQL(t *testing.T) {
	e, _ := newTestExecutor(&fakeSource{dialect: Postgres}, nil)
	e.setName("CityQueries")

	_, err := e.Query("select_nowhere")
	var missing *MissingSQLError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingSQLError", err)
	}
	if missing.Executor != "CityQueries" || missing.Name != "select_nowhere" {
		t.Fatalf("unexpected detail: %+v", missing)
	}
	if len(missing.Tried) != 2 {
		t.Fatalf("tried = %v, want both candidates", missing.Tried)
	}
}

func TestExecutorLenientMissingSQL(t *testing.T) {
	e, _ := newTestExecutor(&fakeSource{dialect: Postgres}, nil)
	e.SetStrict(false)

	_, err := e.Query("select_nowhere")
	assertErrorIs(t, err, ErrQueryNotFound)
	if e.HasQuery("select_nowhere") {
		t.Fatal("HasQuery reported an unresolvable name")
	}
}

func TestExecutorHasQuery(t *testing.T) {
	e, _ := newTestExecutor(nil, map[string]string{
		"select_cities.sql": "SELECT *",
	})
	if !e.HasQuery("select_cities") {
		t.Fatal("HasQuery = false for an existing file")
	}
}

func TestExecutorNotConnected(t *testing.T) {
	e, _ := newTestExecutor(nil, map[string]string{
		"select_cities.sql": "SELECT *",
	})
	_, err := All[city](t.Context(), e, "select_cities", Args{})
	assertErrorIs(t, err, ErrNotConnected)
}

func TestAllShapes(t *testing.T) {
	files := map[string]string{"select_cities.sql": "SELECT * FROM city"}

	t.Run("many rows", func(t *testing.T) {
		src := &fakeSource{dialect: Postgres, rows: []Row{
			{"id": 1, "name": "Kabul"},
			{"id": 2, "name": "Herat"},
		}}
		e, _ := newTestExecutor(src, files)
		got, err := All[city](t.Context(), e, "select_cities", Args{})
		assertNoError(t, err)
		if len(got) != 2 || got[1].Name != "Herat" {
			t.Fatalf("unexpected result: %+v", got)
		}
	})

	t.Run("zero rows is an empty slice", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeSource{dialect: Postgres}, files)
		got, err := All[city](t.Context(), e, "select_cities", Args{})
		assertNoError(t, err)
		if got == nil || len(got) != 0 {
			t.Fatalf("got = %#v, want empty slice", got)
		}
	})

	t.Run("pointer element shape", func(t *testing.T) {
		src := &fakeSource{dialect: Postgres, rows: []Row{{"id": 1, "name": "Kabul"}}}
		e, _ := newTestExecutor(src, files)
		got, err := All[*city](t.Context(), e, "select_cities", Args{})
		assertNoError(t, err)
		if len(got) != 1 || got[0] == nil || got[0].Name != "Kabul" {
			t.Fatalf("unexpected result: %+v", got)
		}
	})
}

func TestOneNotFound(t *testing.T) {
	e, _ := newTestExecutor(&fakeSource{dialect: Postgres}, map[string]string{
		"select_city.sql": "SELECT * FROM city WHERE id = $1",
	})
	_, err := One[city](t.Context(), e, "select_city", Positional(404))
	assertErrorIs(t, err, ErrRecordNotFound)
}

func TestExecuteOneAllowNone(t *testing.T) {
	e, _ := newTestExecutor(&fakeSource{dialect: Postgres}, map[string]string{
		"select_city.sql": "SELECT * FROM city WHERE id = $1",
	})
	got, err := ExecuteOne[city](t.Context(), e, Call{
		Name:      "select_city",
		Args:      Positional(404),
		AllowNone: true,
	})
	assertNoError(t, err)
	if got != (city{}) {
		t.Fatalf("got = %+v, want zero value", got)
	}
}

func TestMaybe(t *testing.T) {
	files := map[string]string{"select_city.sql": "SELECT * FROM city WHERE id = $1"}

	src := &fakeSource{dialect: Postgres, rows: []Row{{"id": 1, "name": "Kabul"}}}
	e, _ := newTestExecutor(src, files)
	got, ok, err := Maybe[city](t.Context(), e, "select_city", Positional(1))
	assertNoError(t, err)
	if !ok || got.Name != "Kabul" {
		t.Fatalf("got = %+v ok = %v", got, ok)
	}

	e, _ = newTestExecutor(&fakeSource{dialect: Postgres}, files)
	got, ok, err = Maybe[city](t.Context(), e, "select_city", Positional(404))
	assertNoError(t, err)
	if ok || got != (city{}) {
		t.Fatalf("got = %+v ok = %v, want zero and false", got, ok)
	}
}

func TestExec(t *testing.T) {
	src := &fakeSource{dialect: MySQL}
	e, _ := newTestExecutor(src, map[string]string{
		"delete_city.sql": "DELETE FROM city WHERE id = $id",
	})
	err := Exec(t.Context(), e, "delete_city", Named(map[string]any{"id": 3}))
	assertNoError(t, err)
	if src.gotSQL != "DELETE FROM city WHERE id = ?" {
		t.Fatalf("rendered sql = %q", src.gotSQL)
	}
}

func TestCallSQLBypassesResolution(t *testing.T) {
	src := &fakeSource{dialect: Postgres, rows: []Row{{"n": int64(1)}}}
	e, _ := newTestExecutor(src, nil)

	got, err := ExecuteOne[int](t.Context(), e, Call{
		Name: "undeclared",
		SQL:  "SELECT 1 AS n",
	})
	assertNoError(t, err)
	if got != 1 {
		t.Fatalf("got = %d", got)
	}
}

func TestRunSQL(t *testing.T) {
	src := &fakeSource{dialect: Postgres, rows: []Row{{"n": int64(1)}}}
	e, _ := newTestExecutor(src, nil)

	rows, err := e.RunSQL(t.Context(), "SELECT $a AS n", Named(map[string]any{"a": 1}))
	assertNoError(t, err)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if src.gotSQL != "SELECT $1 AS n" {
		t.Fatalf("rendered sql = %q", src.gotSQL)
	}
}

func TestRunQuery(t *testing.T) {
	src := &fakeSource{dialect: Postgres, rows: []Row{{"id": 1}}}
	e, _ := newTestExecutor(src, map[string]string{
		"select_cities.sql": "SELECT * FROM city",
	})
	rows, err := e.RunQuery(t.Context(), "select_cities", Args{})
	assertNoError(t, err)
	if len(rows) != 1 || rows[0]["id"] != 1 {
		t.Fatalf("rows = %v", rows)
	}
}

// Resolved fragments compose into a dynamic statement executed via RunSQL.
func TestFragmentComposition(t *testing.T) {
	src := &fakeSource{dialect: Postgres}
	e, _ := newTestExecutor(src, map[string]string{
		"select_cities.sql":   "SELECT * FROM city",
		"mayim_by_name.sql":   " WHERE name = $name",
		"mayim_order_pop.sql": " ORDER BY pop DESC",
	})

	base, err := e.Query("select_cities")
	assertNoError(t, err)
	filter, err := e.Query("by_name")
	assertNoError(t, err)
	order, err := e.Query("order_pop")
	assertNoError(t, err)

	combined, err := base.Append(filter)
	assertNoError(t, err)
	combined, err = combined.Append(order)
	assertNoError(t, err)

	_, err = e.RunSQL(t.Context(), combined.Text, Named(map[string]any{"name": "Kabul"}))
	assertNoError(t, err)
	if src.gotSQL != "SELECT * FROM city WHERE name = $1 ORDER BY pop DESC" {
		t.Fatalf("rendered sql = %q", src.gotSQL)
	}
}

// tagHydrator writes a fixed marker so tests can see which strategy ran.
type tagHydrator struct{ tag string }

func (h tagHydrator) Hydrate(_ context.Context, _ Row, target any) error {
	*(target.(*string)) = h.tag
	return nil
}

func TestHydratorPrecedence(t *testing.T) {
	files := map[string]string{"select_city.sql": "SELECT name FROM city"}
	rows := []Row{{"name": "Kabul"}}

	run := func(t *testing.T, e *Executor, c Call) string {
		t.Helper()
		got, err := ExecuteOne[string](t.Context(), e, c)
		assertNoError(t, err)
		return got
	}

	t.Run("per-call wins", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeSource{dialect: Postgres, rows: rows}, files)
		e.SetMethodHydrator("select_city", tagHydrator{"method"})
		e.SetHydrator(tagHydrator{"instance"})
		got := run(t, e, Call{Name: "select_city", Hydrator: tagHydrator{"call"}})
		if got != "call" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("method beats instance", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeSource{dialect: Postgres, rows: rows}, files)
		e.SetMethodHydrator("select_city", tagHydrator{"method"})
		e.SetHydrator(tagHydrator{"instance"})
		got := run(t, e, Call{Name: "select_city"})
		if got != "method" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("instance beats fallback", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeSource{dialect: Postgres, rows: rows}, files)
		e.SetHydrator(tagHydrator{"instance"})
		e.setFallbackHydrator(tagHydrator{"fallback"})
		got := run(t, e, Call{Name: "select_city"})
		if got != "instance" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("fallback beats default", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeSource{dialect: Postgres, rows: rows}, files)
		e.setFallbackHydrator(tagHydrator{"fallback"})
		got := run(t, e, Call{Name: "select_city"})
		if got != "fallback" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("default strategy when nothing is set", func(t *testing.T) {
		e, _ := newTestExecutor(&fakeSource{dialect: Postgres, rows: rows}, files)
		got := run(t, e, Call{Name: "select_city"})
		if got != "Kabul" {
			t.Fatalf("got %q", got)
		}
	})
}

// fakeTxSource layers transaction support over fakeSource.
type fakeTxSource struct {
	fakeSource
	began, committed bool
}

func (f *fakeTxSource) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.began = true
	if err := fn(ctx); err != nil {
		return err
	}
	f.committed = true
	return nil
}

func TestExecutorTransaction(t *testing.T) {
	src := &fakeTxSource{fakeSource: fakeSource{dialect: Postgres}}
	e, _ := newTestExecutor(src, map[string]string{
		"update_city.sql": "UPDATE city SET pop = $1 WHERE id = $2",
	})

	err := e.Transaction(t.Context(), func(ctx context.Context) error {
		return Exec(ctx, e, "update_city", Positional(100, 1))
	})
	assertNoError(t, err)
	if !src.began || !src.committed {
		t.Fatalf("began=%v committed=%v", src.began, src.committed)
	}
}

func TestExecutorTransactionUnsupported(t *testing.T) {
	e, _ := newTestExecutor(&fakeSource{dialect: Postgres}, nil)
	err := e.Transaction(t.Context(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected an error for a source without transaction support")
	}

	var unbound Executor
	err = unbound.Transaction(t.Context(), func(context.Context) error { return nil })
	assertErrorIs(t, err, ErrNotConnected)
}

func TestExecutorSourceError(t *testing.T) {
	boom := errors.New("connection reset")
	e, _ := newTestExecutor(&fakeSource{dialect: Postgres, err: boom}, map[string]string{
		"select_cities.sql": "SELECT * FROM city",
	})
	_, err := All[city](t.Context(), e, "select_cities", Args{})
	assertErrorIs(t, err, boom)
}
