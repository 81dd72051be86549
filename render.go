package mayim

import (
	"fmt"
	"strings"
)

// Args carries the call-time bind arguments for a query. Exactly one of the
// two styles may be populated; supplying both is an error at render time.
type Args struct {
	Keyword    map[string]any
	Positional []any
}

// Named builds keyword-style arguments for $name placeholders.
func Named(params map[string]any) Args {
	return Args{Keyword: params}
}

// Positional builds positional arguments for $1, $2, ... placeholders.
func Positional(values ...any) Args {
	return Args{Positional: values}
}

// Render translates a $name / $1 query template into the dialect's native
// placeholder syntax and an ordered argument list. It walks the template with
// a small state machine so placeholders inside string literals, quoted
// identifiers, comments, and dollar-quoted blocks are left untouched.
//
// For Postgres, a keyword placeholder repeated in the template binds to a
// single emitted placeholder; for ? dialects each occurrence re-appends its
// value, since positional tokens cannot be shared.
func Render(d Dialect, text string, args Args) (string, []any, error) {
	if len(args.Keyword) > 0 && len(args.Positional) > 0 {
		return "", nil, ErrParamConflict
	}

	out := make([]any, 0, len(args.Keyword)+len(args.Positional))
	var buf strings.Builder
	buf.Grow(len(text) + 16)

	// Placeholder index already emitted for a keyword name (Postgres reuse).
	seen := make(map[string]int)

	n := 0
	var dqTag string // active dollar-quoted tag

	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sLC   // line comment --
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$
	)
	state := sText

	for i := 0; i < len(text); {
		c := text[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(text) && text[i+1] == '-' {
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			}
			if c == '/' && i+1 < len(text) && text[i+1] == '*' {
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '`' && (d == MySQL || d == SQLite) {
				state = sBT
				buf.WriteByte(c)
				i++
				continue
			}

			if c == '$' && i+1 < len(text) {
				if tag, ok := readDollarTag(text[i:]); ok {
					state = sDQD
					dqTag = tag
					buf.WriteString(tag)
					i += len(tag)
					continue
				}

				j := i + 1
				switch {
				case isDigit(text[j]):
					// $k positional, 1-indexed
					k := j
					for k < len(text) && isDigit(text[k]) {
						k++
					}
					idx := 0
					for _, ch := range text[j:k] {
						idx = idx*10 + int(ch-'0')
					}
					if idx < 1 || idx > len(args.Positional) {
						return "", nil, fmt.Errorf("%w: $%d (have %d positional)", ErrParamMissing, idx, len(args.Positional))
					}
					n++
					writePlaceholder(&buf, d, n)
					out = append(out, args.Positional[idx-1])
					i = k
					continue

				case isLowerUnderscore(text[j]):
					k := j + 1
					for k < len(text) && isNameChar(text[k]) {
						k++
					}
					name := text[j:k]
					v, ok := args.Keyword[name]
					if !ok {
						return "", nil, fmt.Errorf("%w: $%s", ErrParamMissing, name)
					}
					if d == Postgres {
						if prev, hit := seen[name]; hit {
							writePlaceholder(&buf, d, prev)
							i = k
							continue
						}
						n++
						seen[name] = n
					} else {
						n++
					}
					writePlaceholder(&buf, d, n)
					out = append(out, v)
					i = k
					continue
				}
			}

			buf.WriteByte(c)
			i++

		case sSQ:
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(text) {
					buf.WriteByte(text[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == '\'' {
				if i < len(text) && text[i] == '\'' {
					buf.WriteByte(text[i])
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			buf.WriteByte(c)
			i++
			if c == '"' {
				if i < len(text) && text[i] == '"' {
					buf.WriteByte(text[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			buf.WriteByte(c)
			i++
			if c == '`' {
				if i < len(text) && text[i] == '`' {
					buf.WriteByte(text[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(c)
			i++
			if c == '*' && i < len(text) && text[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			p := strings.Index(text[i:], dqTag)
			if p < 0 {
				buf.WriteString(text[i:])
				i = len(text)
			} else {
				buf.WriteString(text[i : i+p])
				buf.WriteString(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return buf.String(), out, nil
}

// isLowerUnderscore reports whether b is [a-z_].
func isLowerUnderscore(b byte) bool {
	return (b >= 'a' && b <= 'z') || b == '_'
}

// isNameChar reports whether b is [a-z0-9_].
func isNameChar(b byte) bool {
	return isLowerUnderscore(b) || isDigit(b)
}

// isDigit reports whether b is [0-9].
func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start
// of s. Tags must contain at least one letter so $1 placeholders are never
// mistaken for them. It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	letters := false
	for j < len(s) && isNameChar(s[j]) {
		if !isDigit(s[j]) {
			letters = true
		}
		j++
	}
	if j < len(s) && s[j] == '$' && (letters || j == 1) {
		return s[:j+1], true
	}
	return "", false
}
