package mayim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyQuery        = errors.New("mayim: empty query text")
	ErrMixedParams       = errors.New("mayim: mixed keyword and positional parameters")
	ErrParamMissing      = errors.New("mayim: missing parameter")
	ErrParamConflict     = errors.New("mayim: both keyword and positional arguments supplied")
	ErrQueryNotFound     = errors.New("mayim: query not found")
	ErrRecordNotFound    = errors.New("mayim: record not found")
	ErrNotConnected      = errors.New("mayim: no connection source bound")
	ErrNotRegistered     = errors.New("mayim: executor not registered")
	ErrFieldAmbiguous    = errors.New("mayim: ambiguous field name")
	ErrBadTarget         = errors.New("mayim: invalid hydration target")
	ErrConflictingSource = errors.New("mayim: conflicting source and DSN")
	ErrUnknownScheme     = errors.New("mayim: no source registered for scheme")
)

// MissingSQLError is the strict-mode resolution failure: a query method was
// invoked but no inline declaration and no matching source file exists.
// It is a configuration error, deliberately distinct from ErrQueryNotFound.
type MissingSQLError struct {
	Executor string
	Name     string
	Tried    []string // file paths probed, in resolution order
}

func (e *MissingSQLError) Error() string {
	msg := fmt.Sprintf("mayim: could not find SQL for %s.%s", e.Executor, e.Name)
	if len(e.Tried) > 0 {
		msg += fmt.Sprintf(" (looked for: %s)", strings.Join(e.Tried, ", "))
	}
	return msg
}
