package mayim

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
)

// loadFromFiles locates a query's SQL source file by convention. A name
// carrying a recognized verb prefix maps to {name}.sql; any name also maps
// to {generic_prefix}{name}.sql. The first candidate that exists wins. The
// probed paths are returned for error reporting.
func (e *Executor) loadFromFiles(name string) (Query, []string, error) {
	fsys, dir, prefix, verbs := e.searchConfig()

	var candidates []string
	if hasVerbPrefix(name, verbs) {
		candidates = append(candidates, name+".sql")
	}
	candidates = append(candidates, prefix+name+".sql")

	tried := make([]string, 0, len(candidates))
	for _, filename := range candidates {
		p := filename
		if dir != "" {
			p = path.Join(dir, filename)
		}
		tried = append(tried, p)
		text, err := fs.ReadFile(fsys, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Query{}, tried, err
		}
		q, err := NewQuery(name, string(text), SourceFile)
		if err != nil {
			return Query{}, tried, err
		}
		return q, tried, nil
	}
	return Query{}, tried, fs.ErrNotExist
}

// searchConfig snapshots the file-discovery configuration, applying the
// defaults for unset fields.
func (e *Executor) searchConfig() (fs.FS, string, string, []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fsys := e.fsys
	dir := e.dir
	if fsys == nil {
		fsys = os.DirFS(".")
		if dir == "" {
			dir = "queries"
		}
	}
	prefix := e.genericPrefix
	if prefix == "" {
		prefix = DefaultGenericPrefix
	}
	verbs := e.verbPrefixes
	if verbs == nil {
		verbs = DefaultVerbPrefixes
	}
	return fsys, dir, prefix, verbs
}

func hasVerbPrefix(name string, verbs []string) bool {
	for _, v := range verbs {
		if strings.HasPrefix(name, v) {
			return true
		}
	}
	return false
}
