package xtable

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// ModelOption configures how rows are turned into values of a model type.
type ModelOption func(*modelConfig)

type modelConfig struct {
	ctors []ctorDecl
	conds []condDecl
}

type ctorDecl struct {
	fn       any
	bindings []string
}

type condDecl struct {
	column string
	fn     reflect.Value
}

// WithConstructor makes fn the constructor of the model. fn returns the model
// (by value or pointer) and optionally an error. Each parameter of fn takes
// one binding, in order:
//
//	"col:name"   decoded from column name; a *Lazy[X] parameter defers the read
//	"param:name" the call argument tagged param:name
//	"ctx"        the context of the call
func WithConstructor(fn any, bindings ...string) ModelOption {
	return func(c *modelConfig) {
		c.ctors = append(c.ctors, ctorDecl{fn: fn, bindings: bindings})
	}
}

// WithCondition registers accept as the default inclusion test of the
// conditional field bound to column. A predicate passed by the call for the
// same column takes precedence.
func WithCondition[T any](column string, accept func(*T) bool) ModelOption {
	return func(c *modelConfig) {
		c.conds = append(c.conds, condDecl{column: normalizeColAscii(column), fn: reflect.ValueOf(accept)})
	}
}

// RegisterModel records construction options for T. Options from repeated
// calls accumulate, so a second constructor makes T ambiguous. Register a
// model before any table using it is first compiled.
func RegisterModel[T any](opts ...ModelOption) {
	getCompiler().registerModel(reflect.TypeFor[T](), opts)
}

// ---------------- Model spec ----------------

type modelSpec struct {
	rt       reflect.Type
	scalar   bool      // single column decoded straight into rt
	ctor     *ctorSpec // nil: zero value allocation
	fields   []fieldBinding
	optional []fieldBinding // conditional fields, populated second
	conds    map[string]reflect.Value
	plans    sync.Map // planKey -> *rowPlan
}

type fieldBinding struct {
	column string
	name   string
	path   []int
	typ    reflect.Type
}

type ctorSpec struct {
	fn     reflect.Value
	params []ctorParam
	retPtr bool
	retErr bool
}

type paramSource uint8

const (
	fromColumn paramSource = iota
	fromParam
	fromContext
)

type ctorParam struct {
	source paramSource
	name   string
	typ    reflect.Type
	lazy   bool
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	boolType    = reflect.TypeFor[bool]()
)

func (m *modelSpec) hasParam(name string) bool {
	if m.ctor == nil {
		return false
	}
	for _, p := range m.ctor.params {
		if p.source == fromParam && p.name == name {
			return true
		}
	}
	return false
}

func (m *modelSpec) isConditional(column string) bool {
	for _, f := range m.optional {
		if f.column == column {
			return true
		}
	}
	return false
}

func buildModel(c *Codec, rt reflect.Type, cfg *modelConfig) (*modelSpec, error) {
	m := &modelSpec{rt: rt, conds: map[string]reflect.Value{}}
	if cfg == nil {
		cfg = &modelConfig{}
	}
	switch len(cfg.ctors) {
	case 0:
		if isScalarModel(c, rt) {
			m.scalar = true
			return m, nil
		}
		if rt.Kind() != reflect.Struct {
			return nil, fmt.Errorf("%w for %s", ErrNoConstructor, rt)
		}
	case 1:
		ctor, err := buildCtor(c, rt, cfg.ctors[0])
		if err != nil {
			return nil, err
		}
		m.ctor = ctor
	default:
		return nil, fmt.Errorf("%w for %s: %d registered", ErrAmbiguousConstructor, rt, len(cfg.ctors))
	}

	if rt.Kind() == reflect.Struct {
		fields, optional, err := buildFields(c, rt)
		if err != nil {
			return nil, err
		}
		m.fields, m.optional = fields, optional
	}

	condFn := reflect.FuncOf([]reflect.Type{reflect.PointerTo(rt)}, []reflect.Type{boolType}, false)
	for _, cd := range cfg.conds {
		if _, dup := m.conds[cd.column]; dup {
			return nil, fmt.Errorf("%w: %s column %q", ErrDuplicateCondition, rt, cd.column)
		}
		if cd.fn.Type() != condFn {
			return nil, fmt.Errorf("%w: condition on %s.%s is %s, want %s", ErrInvalidDeclaration, rt, cd.column, cd.fn.Type(), condFn)
		}
		if !m.isConditional(cd.column) {
			return nil, fmt.Errorf("%w: condition on %s column %q without a conditional field", ErrInvalidDeclaration, rt, cd.column)
		}
		m.conds[cd.column] = cd.fn
	}
	return m, nil
}

// isScalarModel reports whether rt is read from a single column without a
// constructor.
func isScalarModel(c *Codec, rt reflect.Type) bool {
	if rt.Kind() == reflect.Struct {
		return reflect.PointerTo(rt).Implements(scannerType) || c.isOpaque(rt)
	}
	_, err := c.decoder(rt)
	return err == nil
}

func buildCtor(c *Codec, rt reflect.Type, d ctorDecl) (*ctorSpec, error) {
	fn := reflect.ValueOf(d.fn)
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, fmt.Errorf("%w: constructor of %s is %T, not a function", ErrInvalidDeclaration, rt, d.fn)
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: constructor of %s is variadic", ErrInvalidDeclaration, rt)
	}
	cs := &ctorSpec{fn: fn}
	switch {
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		cs.retErr = true
	case ft.NumOut() != 1:
		return nil, fmt.Errorf("%w: constructor of %s must return %s or (%s, error)", ErrInvalidDeclaration, rt, rt, rt)
	}
	switch ft.Out(0) {
	case rt:
	case reflect.PointerTo(rt):
		cs.retPtr = true
	default:
		return nil, fmt.Errorf("%w: constructor of %s returns %s", ErrInvalidDeclaration, rt, ft.Out(0))
	}
	if ft.NumIn() != len(d.bindings) {
		return nil, fmt.Errorf("%w: constructor of %s takes %d parameters, %d bindings given", ErrInvalidDeclaration, rt, ft.NumIn(), len(d.bindings))
	}

	for i, b := range d.bindings {
		pt := ft.In(i)
		p := ctorParam{typ: pt}
		key, name, _ := strings.Cut(b, ":")
		switch key {
		case "col":
			p.source, p.name = fromColumn, normalizeColAscii(name)
			dt := pt
			if isLazy(pt) {
				p.lazy = true
				dt = reflect.New(pt.Elem()).Interface().(lazyValue).valueType()
			}
			if _, err := c.decoder(dt); err != nil {
				return nil, fmt.Errorf("xtable: constructor of %s parameter %d: %w", rt, i, err)
			}
		case "param":
			p.source, p.name = fromParam, name
		case "ctx":
			if pt != contextType {
				return nil, fmt.Errorf("%w: constructor of %s parameter %d bound to ctx has type %s", ErrInvalidDeclaration, rt, i, pt)
			}
			p.source = fromContext
		default:
			return nil, fmt.Errorf("%w: constructor of %s binding %q", ErrInvalidDeclaration, rt, b)
		}
		if p.source != fromContext && name == "" {
			return nil, fmt.Errorf("%w: constructor of %s binding %q has no name", ErrInvalidDeclaration, rt, b)
		}
		cs.params = append(cs.params, p)
	}
	return cs, nil
}

// ---------------- Struct fields & tags ----------------

// buildFields walks rt the way sqlx and database/sql mappers do: the db tag
// names the column, "-" skips the field, embedded structs are flattened and
// the first occurrence of a column wins.
func buildFields(c *Codec, rt reflect.Type) (fields, optional []fieldBinding, err error) {
	seen := make(map[string]struct{})

	var walk func(t reflect.Type, base []int, forceInline bool) error
	walk = func(t reflect.Type, base []int, forceInline bool) error {
		t = derefPtr(t)
		if t.Kind() != reflect.Struct {
			return nil
		}
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if sf.PkgPath != "" && !sf.Anonymous {
				continue
			}
			tag := sf.Tag.Get("db")
			opt := parseTag(tag)
			if opt.omit {
				continue
			}
			ft := sf.Type
			path := append(append([]int(nil), base...), i)

			if opt.inline || (sf.Anonymous && (forceInline || tag == "")) {
				if isStruct(ft) && !isScalarModel(c, derefPtr(ft)) {
					if sf.PkgPath != "" && ft.Kind() == reflect.Pointer {
						continue // unexported embedded pointer: cannot be allocated
					}
					if err := walk(ft, path, opt.inline); err != nil {
						return err
					}
					continue
				}
			}
			if sf.PkgPath != "" {
				continue
			}
			switch ft.Kind() {
			case reflect.Func, reflect.Chan, reflect.UnsafePointer:
				continue
			}
			name := opt.name
			if name == "" {
				name = sf.Name
			}
			col := toLowerAscii(name)
			if _, ok := seen[col]; ok {
				continue
			}
			if _, err := c.decoder(ft); err != nil {
				if opt.name == "" {
					continue // untagged field of a type with no column form
				}
				return fmt.Errorf("xtable: %s field %s: %w", rt, sf.Name, err)
			}
			seen[col] = struct{}{}
			fb := fieldBinding{column: col, name: sf.Name, path: path, typ: ft}
			if opt.conditional {
				optional = append(optional, fb)
			} else {
				fields = append(fields, fb)
			}
		}
		return nil
	}
	if err := walk(rt, nil, false); err != nil {
		return nil, nil, err
	}
	return fields, optional, nil
}

type tagOptions struct {
	name        string
	inline      bool
	conditional bool
	omit        bool
}

// parseTag supports: "-", "col", ",inline", "col,inline", "col,conditional".
func parseTag(tag string) tagOptions {
	var o tagOptions
	if tag == "-" {
		o.omit = true
		return o
	}
	start := 0
	for i := 0; i <= len(tag); i++ {
		if i == len(tag) || tag[i] == ',' {
			switch part := tag[start:i]; {
			case part == "inline":
				o.inline = true
			case part == "conditional":
				o.conditional = true
			case part != "" && o.name == "":
				o.name = part
			}
			start = i + 1
		}
	}
	return o
}

// values flattens a model value into column assignments, in field order.
func (m *modelSpec) values(c *Codec, v reflect.Value) (Values, error) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	out := make(Values, 0, len(m.fields)+len(m.optional))
	for _, group := range [2][]fieldBinding{m.fields, m.optional} {
		for _, f := range group {
			fv, ok := fieldByPath(v, f.path)
			if !ok {
				continue
			}
			cv, err := c.Encode(fv.Interface())
			if err != nil {
				return nil, fmt.Errorf("xtable: %s field %s: %w", m.rt, f.name, err)
			}
			out.Put(f.column, cv)
		}
	}
	return out, nil
}

// ---------------- Reflection helpers ----------------

func isStruct(t reflect.Type) bool { return derefPtr(t).Kind() == reflect.Struct }

func derefPtr(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// fieldByPath walks fpath without allocating. ok is false when an embedded
// pointer on the way is nil.
func fieldByPath(v reflect.Value, fpath []int) (reflect.Value, bool) {
	for _, i := range fpath {
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v, true
}

// fieldByPathAlloc walks fpath, allocating nil embedded pointers on the way
// so the final field is settable. The final field itself is left as is.
func fieldByPathAlloc(v reflect.Value, fpath []int) reflect.Value {
	for _, i := range fpath {
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

// ---------------- Column normalization (ASCII fast-path) ----------------

func normalizeColAscii(s string) string {
	if l := len(s); l >= 2 {
		switch s[0] {
		case '"':
			if s[l-1] == '"' {
				s = s[1 : l-1]
			}
		case '`':
			if s[l-1] == '`' {
				s = s[1 : l-1]
			}
		case '[':
			if s[l-1] == ']' {
				s = s[1 : l-1]
			}
		}
	}
	return toLowerAscii(s)
}

func toLowerAscii(s string) string {
	var need bool
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			need = true
			break
		}
	}
	if !need {
		return s
	}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
