package mayim

import (
	"fmt"
	"regexp"
)

// ParamType classifies the placeholder style a query template uses.
type ParamType int

const (
	ParamNone       ParamType = iota
	ParamPositional           // $1, $2, ... (1-indexed)
	ParamKeyword              // $name
)

// String returns the string representation of the param type.
func (p ParamType) String() string {
	switch p {
	case ParamPositional:
		return "positional"
	case ParamKeyword:
		return "keyword"
	default:
		return "none"
	}
}

// QuerySource records where a query's text came from.
type QuerySource int

const (
	SourceInline QuerySource = iota
	SourceFile
	SourceDynamic
)

// String returns the string representation of the query source.
func (s QuerySource) String() string {
	switch s {
	case SourceFile:
		return "file"
	case SourceDynamic:
		return "dynamic"
	default:
		return "inline"
	}
}

var (
	keywordParam    = regexp.MustCompile(`\$[a-z_][a-z0-9_]*`)
	positionalParam = regexp.MustCompile(`\$[1-9][0-9]*`)
)

// Query is an immutable descriptor pairing a SQL template with the parameter
// style it expects. Queries are value objects: they compare by value and are
// safe to share across concurrent calls.
type Query struct {
	Name      string
	Text      string
	ParamType ParamType
	Source    QuerySource
}

// NewQuery builds a Query from a SQL template, classifying its placeholder
// style. It fails on empty text and on templates mixing $name with $1 styles.
func NewQuery(name, text string, source QuerySource) (Query, error) {
	if text == "" {
		return Query{}, fmt.Errorf("%w: %s", ErrEmptyQuery, name)
	}
	pt, err := detectParamType(text)
	if err != nil {
		return Query{}, fmt.Errorf("%w: %s", err, name)
	}
	return Query{Name: name, Text: text, ParamType: pt, Source: source}, nil
}

// detectParamType classifies a template's placeholders. A template containing
// both $name and $1 placeholders is rejected rather than guessed at.
// Classification scans the raw text: placeholder-shaped tokens inside string
// literals, comments, or dollar-quoted bodies count here even though Render
// leaves them unbound.
func detectParamType(text string) (ParamType, error) {
	kw := keywordParam.MatchString(text)
	pos := positionalParam.MatchString(text)
	switch {
	case kw && pos:
		return ParamNone, ErrMixedParams
	case kw:
		return ParamKeyword, nil
	case pos:
		return ParamPositional, nil
	default:
		return ParamNone, nil
	}
}

// Append concatenates another query's text onto this one, producing a new
// descriptor. Fragments with no parameters combine with anything; combining
// keyword and positional fragments is an error.
func (q Query) Append(other Query) (Query, error) {
	if q.ParamType != ParamNone && other.ParamType != ParamNone && q.ParamType != other.ParamType {
		return Query{}, fmt.Errorf(
			"%w: cannot combine %s and %s fragments",
			ErrMixedParams, q.ParamType, other.ParamType,
		)
	}
	pt := q.ParamType
	if other.ParamType > pt {
		pt = other.ParamType
	}
	return Query{
		Name:      q.Name,
		Text:      q.Text + other.Text,
		ParamType: pt,
		Source:    SourceDynamic,
	}, nil
}

func (q Query) String() string {
	text := q.Text
	if len(text) > 24 {
		text = text[:24] + "..."
	}
	return fmt.Sprintf("<Query name=%s text=%q params=%s source=%s>", q.Name, text, q.ParamType, q.Source)
}
