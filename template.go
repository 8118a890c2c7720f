package xtable

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Template is a predicate with its placeholder positions resolved. Quoted
// strings, quoted identifiers and comments are opaque: a '?' inside them is
// never a placeholder.
type Template struct {
	text  string
	holes []int // byte offsets of '?' placeholders
}

// ParseTemplate scans a predicate once. It fails only on unterminated quoted
// spans or block comments.
func ParseTemplate(text string) (*Template, error) {
	t := &Template{text: text}
	err := scanSQL(text, func(i int, r rune) {
		if r == '?' {
			t.holes = append(t.holes, i)
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Template) String() string { return t.text }

// Placeholders returns the number of placeholders in t.
func (t *Template) Placeholders() int { return len(t.holes) }

// Bind splits args between literal SQL text and bound parameters.
//
// Numeric and boolean arguments are written into the predicate in place of
// their placeholder (booleans as 1/0); every other argument is bound, in
// order, as a string. When no argument is numeric the predicate is returned
// untouched and every argument is bound, even if there are more arguments
// than placeholders. Otherwise placeholders are consumed left to right until
// either side runs out: remaining placeholders stay '?' and surplus arguments
// are dropped.
func (t *Template) Bind(args []ColumnValue) (string, []string, error) {
	inline := false
	for _, a := range args {
		if a.IsNull() {
			return "", nil, ErrNullArgument
		}
		if a.IsNumeric() {
			inline = true
		}
	}
	if !inline {
		bound := make([]string, len(args))
		for i, a := range args {
			bound[i] = a.Text()
		}
		return t.text, bound, nil
	}

	var b strings.Builder
	b.Grow(len(t.text) + 8*len(args))
	bound := make([]string, 0, len(args))
	last := 0
	for i, hole := range t.holes {
		if i >= len(args) {
			break
		}
		a := args[i]
		b.WriteString(t.text[last:hole])
		if a.IsNumeric() {
			b.WriteString(a.Text())
		} else {
			b.WriteByte('?')
			bound = append(bound, a.Text())
		}
		last = hole + 1
	}
	b.WriteString(t.text[last:])
	return b.String(), bound, nil
}

// BindArguments is the one-shot form of ParseTemplate and Bind. where marks
// which of args are predicate arguments; a nil mask selects all of them.
//
// Example:
//
//	sel, params, _ := xtable.BindArguments("a=? and b=?", []any{1, "a"}, nil)
//	// sel    => "a=1 and b=?"
//	// params => ["a"]
func BindArguments(template string, args []any, where []bool) (string, []string, error) {
	t, err := ParseTemplate(template)
	if err != nil {
		return "", nil, err
	}
	vals := make([]ColumnValue, 0, len(args))
	for i, a := range args {
		if where != nil && (i >= len(where) || !where[i]) {
			continue
		}
		cv, err := Encode(a)
		if err != nil {
			return "", nil, err
		}
		vals = append(vals, cv)
	}
	return t.Bind(vals)
}

// BuildPredicate substitutes constants into a predicate: %d takes the next of
// ints, %s the next of strs (quoted, embedded quotes doubled) and %b the next
// of bools (1/0). Quoted spans are copied through unscanned. Running out of
// constants is an error.
//
//	BuildPredicate("a = %d, b = %s, d = %b", []int64{1234}, []string{"a'b"}, []bool{true})
//	// => "a = 1234, b = 'a''b', d = 1"
func BuildPredicate(template string, ints []int64, strs []string, bools []bool) (string, error) {
	var (
		b          strings.Builder
		ni, ns, nb int
		last       int
		buildErr   error
	)
	err := scanSQL(template, func(i int, r rune) {
		if r != '%' || buildErr != nil || i+1 >= len(template) {
			return
		}
		var lit string
		switch template[i+1] {
		case 'd':
			if ni >= len(ints) {
				buildErr = fmt.Errorf("%w: predicate %q needs more than %d int constants", ErrInvalidDeclaration, template, len(ints))
				return
			}
			lit = strconv.FormatInt(ints[ni], 10)
			ni++
		case 's':
			if ns >= len(strs) {
				buildErr = fmt.Errorf("%w: predicate %q needs more than %d string constants", ErrInvalidDeclaration, template, len(strs))
				return
			}
			lit = quoteString(strs[ns])
			ns++
		case 'b':
			if nb >= len(bools) {
				buildErr = fmt.Errorf("%w: predicate %q needs more than %d bool constants", ErrInvalidDeclaration, template, len(bools))
				return
			}
			lit = strconv.FormatInt(b2i(bools[nb]), 10)
			nb++
		default:
			return
		}
		b.WriteString(template[last:i])
		b.WriteString(lit)
		last = i + 2
	})
	if err != nil {
		return "", err
	}
	if buildErr != nil {
		return "", buildErr
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// scanSQL calls visit for every rune of s outside quoted spans and comments.
func scanSQL(s string, visit func(i int, r rune)) error {
	i := 0
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		var (
			j   int
			err error
		)
		switch {
		case r == '\'':
			j, err = skipQuoted(s, i+w, '\'', "single-quoted string")
		case r == '"':
			j, err = skipQuoted(s, i+w, '"', "double-quoted identifier")
		case r == '`':
			j, err = skipQuoted(s, i+w, '`', "backtick-quoted identifier")
		case r == '-' && hasPrefix(s[i:], "--"):
			j = skipLineComment(s, i+2)
		case r == '/' && hasPrefix(s[i:], "/*"):
			j, err = skipBlockComment(s, i+2)
		default:
			visit(i, r)
			i += w
			continue
		}
		if err != nil {
			return err
		}
		i = j
	}
	return nil
}

// skipQuoted returns the offset just past the closing quote. A doubled quote
// is an escaped quote and does not close the span.
func skipQuoted(s string, i int, quote rune, what string) (int, error) {
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		i += w
		if r == quote {
			if i < len(s) && rune(s[i]) == quote {
				i++
				continue
			}
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unterminated %s", ErrInvalidDeclaration, what)
}

func skipLineComment(s string, i int) int {
	for i < len(s) {
		if s[i] == '\n' {
			return i + 1
		}
		i++
	}
	return i
}

func skipBlockComment(s string, i int) (int, error) {
	for i < len(s)-1 {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2, nil
		}
		i++
	}
	return 0, fmt.Errorf("%w: unterminated block comment", ErrInvalidDeclaration)
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }
