package xtable

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// OperationKind is the statement an operation executes.
type OperationKind uint8

const (
	KindSelect OperationKind = iota + 1
	KindInsert
	KindUpdate
	KindDelete
)

func (k OperationKind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Shape is how an operation's raw result is handed back to the caller.
type Shape uint8

const (
	ShapeNone     Shape = iota // only an error
	ShapeBool                  // select: any row; insert: id != -1; update/delete: affected != 0
	ShapeCount                 // select: row count; update/delete: affected rows
	ShapeInsertID              // generated row id, -1 when nothing was inserted
	ShapeList                  // every row, read eagerly
	ShapeFirst                 // first row or nil
	ShapeSeq                   // *Seq[T]
	ShapeStream                // *Stream[T]
)

// RoleKind is what a declared parameter contributes to its operation.
type RoleKind uint8

const (
	RoleNone      RoleKind = iota // ignored
	RoleWhere                     // next predicate argument
	RoleValue                     // value of one column
	RoleValues                    // struct flattened into column values
	RoleParam                     // named constructor parameter
	RoleCondition                 // inclusion predicate of a conditional column
)

// ArgRole binds one declared parameter.
type ArgRole struct {
	Kind      RoleKind
	Name      string // column for RoleValue and RoleCondition, parameter for RoleParam
	OmitEmpty bool   // RoleValue: skip the column when the argument is NULL
}

// OperationSpec is the compiled form of one declared operation. It is built
// once and never modified.
type OperationSpec struct {
	Name     string
	Kind     OperationKind
	Where    *Template // nil: no predicate
	Columns  []string  // nil: all columns
	OrderBy  string
	Conflict ConflictMode
	Shape    Shape
	Elem     reflect.Type // element type of list, first-row, Seq and Stream shapes
	Roles    []ArgRole    // one per parameter after the optional context
	Set      Values       // constant assignments of insert and update

	fn        reflect.Type
	hasCtx    bool
	result    reflect.Type // nil when the operation returns only an error
	model     *modelSpec   // select element model
	elemPtr   bool         // Elem is *model
	argModels []*modelSpec // RoleValues parameter models, by parameter
}

// CompiledTable is the compiled form of a declared table type.
type CompiledTable struct {
	Name string
	Type reflect.Type
	Ops  map[string]*OperationSpec

	undeclared []string // func fields without a sql tag
}

// Operation returns the operation declared by the field name.
func (t *CompiledTable) Operation(name string) (*OperationSpec, bool) {
	op, ok := t.Ops[name]
	return op, ok
}

// ---------------- Compiler & caches ----------------

type compiled[T any] struct {
	v   *T
	err error
}

type compiler struct {
	codec  *Codec
	tables sync.Map // reflect.Type -> compiled[CompiledTable]
	models sync.Map // reflect.Type -> compiled[modelSpec]
	group  singleflight.Group
	builds atomic.Int64 // model builds

	regMu    sync.Mutex
	registry map[reflect.Type]*modelConfig
}

var (
	comp     *compiler
	compOnce sync.Once
)

func getCompiler() *compiler {
	compOnce.Do(func() { comp = &compiler{codec: getCodec(), registry: map[reflect.Type]*modelConfig{}} })
	return comp
}

// CompileTable compiles the declared table type rt (or *rt). Results,
// including errors, are cached for the life of the process and every type
// is compiled at most once, even under concurrent first use.
func CompileTable(rt reflect.Type) (*CompiledTable, error) {
	return getCompiler().table(derefPtr(rt))
}

func (c *compiler) table(rt reflect.Type) (*CompiledTable, error) {
	if v, ok := c.tables.Load(rt); ok {
		r := v.(compiled[CompiledTable])
		return r.v, r.err
	}
	// Distinct types may share a key; the loop retries until rt itself was
	// built by a flight.
	key := "table\x00" + rt.PkgPath() + "\x00" + rt.String()
	for {
		_, _, _ = c.group.Do(key, func() (any, error) {
			if _, ok := c.tables.Load(rt); !ok {
				t, err := c.buildTable(rt)
				c.tables.Store(rt, compiled[CompiledTable]{v: t, err: err})
			}
			return nil, nil
		})
		if v, ok := c.tables.Load(rt); ok {
			r := v.(compiled[CompiledTable])
			return r.v, r.err
		}
	}
}

func (c *compiler) model(rt reflect.Type) (*modelSpec, error) {
	if v, ok := c.models.Load(rt); ok {
		r := v.(compiled[modelSpec])
		return r.v, r.err
	}
	key := "model\x00" + rt.PkgPath() + "\x00" + rt.String()
	for {
		_, _, _ = c.group.Do(key, func() (any, error) {
			if _, ok := c.models.Load(rt); !ok {
				c.regMu.Lock()
				cfg := c.registry[rt]
				c.regMu.Unlock()
				m, err := buildModel(c.codec, rt, cfg)
				c.builds.Add(1)
				c.models.Store(rt, compiled[modelSpec]{v: m, err: err})
			}
			return nil, nil
		})
		if v, ok := c.models.Load(rt); ok {
			r := v.(compiled[modelSpec])
			return r.v, r.err
		}
	}
}

func (c *compiler) registerModel(rt reflect.Type, opts []ModelOption) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	cfg := c.registry[rt]
	if cfg == nil {
		cfg = &modelConfig{}
		c.registry[rt] = cfg
	}
	for _, o := range opts {
		o(cfg)
	}
	c.models.Delete(rt)
}

// ---------------- Table compilation ----------------

func (c *compiler) buildTable(rt reflect.Type) (*CompiledTable, error) {
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: table declaration %s is not a struct", ErrInvalidDeclaration, rt)
	}
	t := &CompiledTable{Type: rt, Ops: map[string]*OperationSpec{}}
	for i := 0; i < rt.NumField(); i++ {
		if sf := rt.Field(i); sf.Name == "_" {
			if name, ok := sf.Tag.Lookup("table"); ok {
				t.Name = strings.TrimSpace(name)
				break
			}
		}
	}
	if t.Name == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingTableName, rt)
	}

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if sf.Name == "_" || sf.PkgPath != "" || sf.Type.Kind() != reflect.Func {
			continue
		}
		if _, ok := sf.Tag.Lookup("sql"); !ok {
			t.undeclared = append(t.undeclared, sf.Name)
			continue
		}
		op, err := c.buildOperation(sf)
		if err != nil {
			return nil, fmt.Errorf("xtable: compile %s.%s: %w", rt.Name(), sf.Name, err)
		}
		t.Ops[sf.Name] = op
	}
	return t, nil
}

var (
	intType   = reflect.TypeFor[int]()
	int64Type = reflect.TypeFor[int64]()
)

func (c *compiler) buildOperation(sf reflect.StructField) (*OperationSpec, error) {
	tag := sf.Tag
	ft := sf.Type
	op := &OperationSpec{Name: sf.Name, fn: ft}

	kind, option, _ := strings.Cut(tag.Get("sql"), ",")
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "select":
		op.Kind = KindSelect
	case "insert":
		op.Kind = KindInsert
	case "update":
		op.Kind = KindUpdate
	case "delete":
		op.Kind = KindDelete
	default:
		return nil, fmt.Errorf("%w: sql tag %q", ErrInvalidDeclaration, tag.Get("sql"))
	}
	if option = strings.TrimSpace(option); option != "" {
		mode, ok := parseConflictMode(option)
		if !ok || (op.Kind != KindInsert && op.Kind != KindUpdate) {
			return nil, fmt.Errorf("%w: %s does not take option %q", ErrInvalidDeclaration, op.Kind, option)
		}
		op.Conflict = mode
	}

	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic operation", ErrInvalidDeclaration)
	}
	if err := c.resultShape(op); err != nil {
		return nil, err
	}

	if err := c.clauses(op, tag); err != nil {
		return nil, err
	}

	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		op.hasCtx, start = true, 1
	}
	params := make([]reflect.Type, 0, ft.NumIn())
	for i := start; i < ft.NumIn(); i++ {
		params = append(params, ft.In(i))
	}
	if err := c.roles(op, tag, params); err != nil {
		return nil, err
	}
	return op, nil
}

// resultShape validates the results of op.fn against its kind.
func (c *compiler) resultShape(op *OperationSpec) error {
	ft := op.fn
	n := ft.NumOut()
	if n == 0 || n > 2 || ft.Out(n-1) != errorType {
		return fmt.Errorf("%w: last result must be error", ErrUnsupportedResult)
	}
	if n == 1 {
		if op.Kind == KindSelect {
			return fmt.Errorf("%w: select without a result value", ErrUnsupportedResult)
		}
		op.Shape = ShapeNone
		return nil
	}

	res := ft.Out(0)
	op.result = res
	switch {
	case res == boolType:
		op.Shape = ShapeBool
	case op.Kind == KindInsert && (res == int64Type || res == intType):
		op.Shape = ShapeInsertID
	case op.Kind != KindInsert && (res == int64Type || res == intType):
		op.Shape = ShapeCount
	case op.Kind != KindSelect:
		return fmt.Errorf("%w: %s cannot return %s", ErrUnsupportedResult, op.Kind, res)
	case res.Kind() == reflect.Slice && res != bytesType:
		op.Shape, op.Elem = ShapeList, res.Elem()
	case res.Kind() == reflect.Pointer && res.Implements(seqMarkerType):
		op.Shape = ShapeSeq
		op.Elem = reflect.New(res.Elem()).Interface().(seqMarker).seqElem()
	case res.Kind() == reflect.Pointer && res.Implements(streamMarkerType):
		op.Shape = ShapeStream
		op.Elem = reflect.New(res.Elem()).Interface().(streamMarker).streamElem()
	case res.Kind() == reflect.Pointer:
		op.Shape, op.Elem = ShapeFirst, res.Elem()
	default:
		return fmt.Errorf("%w: select cannot return %s", ErrUnsupportedResult, res)
	}

	if op.Elem != nil {
		mt := op.Elem
		if mt.Kind() == reflect.Pointer && mt.Elem().Kind() == reflect.Struct {
			op.elemPtr, mt = true, mt.Elem()
		}
		m, err := c.model(mt)
		if err != nil {
			return err
		}
		op.model = m
	}
	return nil
}

// clauses compiles the where, columns, order and set tags.
func (c *compiler) clauses(op *OperationSpec, tag reflect.StructTag) error {
	if where, ok := tag.Lookup("where"); ok {
		if op.Kind == KindInsert {
			return fmt.Errorf("%w: insert takes no where predicate", ErrInvalidDeclaration)
		}
		ints, strs, bools, err := constants(tag)
		if err != nil {
			return err
		}
		text, err := BuildPredicate(where, ints, strs, bools)
		if err != nil {
			return err
		}
		if op.Where, err = ParseTemplate(text); err != nil {
			return err
		}
	}

	for _, name := range []string{"columns", "order"} {
		if _, ok := tag.Lookup(name); ok && op.Kind != KindSelect {
			return fmt.Errorf("%w: %s takes no %s tag", ErrInvalidDeclaration, op.Kind, name)
		}
	}
	if cols, ok := tag.Lookup("columns"); ok {
		for _, col := range strings.Split(cols, ",") {
			if col = strings.TrimSpace(col); col != "" {
				op.Columns = append(op.Columns, col)
			}
		}
	}
	op.OrderBy = strings.TrimSpace(tag.Get("order"))

	if set, ok := tag.Lookup("set"); ok {
		if op.Kind != KindInsert && op.Kind != KindUpdate {
			return fmt.Errorf("%w: %s takes no set tag", ErrInvalidDeclaration, op.Kind)
		}
		vals, err := parseSet(set)
		if err != nil {
			return err
		}
		op.Set = vals
	}
	return nil
}

// constants parses the ints, strings and bools tags used by %d, %s and %b.
func constants(tag reflect.StructTag) (ints []int64, strs []string, bools []bool, err error) {
	split := func(r rune) bool { return r == ',' || r == '|' }
	for _, f := range strings.FieldsFunc(tag.Get("ints"), split) {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: ints tag: %v", ErrInvalidDeclaration, err)
		}
		ints = append(ints, n)
	}
	if s, ok := tag.Lookup("strings"); ok {
		strs = strings.Split(s, "|")
	}
	for _, f := range strings.FieldsFunc(tag.Get("bools"), split) {
		b, err := strconv.ParseBool(strings.TrimSpace(f))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: bools tag: %v", ErrInvalidDeclaration, err)
		}
		bools = append(bools, b)
	}
	return ints, strs, bools, nil
}

// roles parses the args tag, one token per parameter. Without an args tag
// every parameter is a predicate argument.
func (c *compiler) roles(op *OperationSpec, tag reflect.StructTag, params []reflect.Type) error {
	var tokens []string
	if args, ok := tag.Lookup("args"); ok {
		tokens = strings.Fields(args)
	} else {
		tokens = make([]string, len(params))
		for i := range tokens {
			tokens[i] = "where"
		}
	}
	if len(tokens) != len(params) {
		return fmt.Errorf("%w: args tag has %d entries for %d parameters", ErrInvalidDeclaration, len(tokens), len(params))
	}

	op.Roles = make([]ArgRole, len(params))
	op.argModels = make([]*modelSpec, len(params))
	hasValues := len(op.Set) > 0
	for i, tok := range tokens {
		role, err := parseRole(tok)
		if err != nil {
			return err
		}
		pt := params[i]
		switch role.Kind {
		case RoleWhere:
			if op.Kind == KindInsert {
				return fmt.Errorf("%w: insert takes no where arguments", ErrInvalidDeclaration)
			}
			if op.Where == nil {
				return fmt.Errorf("%w: where argument %d without a where predicate", ErrInvalidDeclaration, i)
			}
			if _, err := c.codec.encoder(pt); err != nil {
				return err
			}
		case RoleValue, RoleValues:
			if op.Kind != KindInsert && op.Kind != KindUpdate {
				return fmt.Errorf("%w: %s takes no values", ErrInvalidDeclaration, op.Kind)
			}
			hasValues = true
			if role.Kind == RoleValue {
				if _, err := c.codec.encoder(pt); err != nil {
					return err
				}
				break
			}
			if !isStruct(pt) {
				return fmt.Errorf("%w: values argument %d is %s, not a struct", ErrInvalidDeclaration, i, pt)
			}
			m, err := c.model(derefPtr(pt))
			if err != nil {
				return err
			}
			op.argModels[i] = m
		case RoleParam:
			if op.model == nil || !op.model.hasParam(role.Name) {
				return fmt.Errorf("%w: no constructor parameter %q", ErrInvalidDeclaration, role.Name)
			}
		case RoleCondition:
			if op.model == nil || !op.model.isConditional(role.Name) {
				return fmt.Errorf("%w: no conditional column %q", ErrInvalidDeclaration, role.Name)
			}
			pred := reflect.FuncOf([]reflect.Type{reflect.PointerTo(op.model.rt)}, []reflect.Type{boolType}, false)
			if pt != boolType && pt != pred {
				return fmt.Errorf("%w: condition %q is %s, want bool or %s", ErrInvalidDeclaration, role.Name, pt, pred)
			}
		}
		op.Roles[i] = role
	}
	if op.Kind == KindUpdate && !hasValues {
		return fmt.Errorf("%w: update without values", ErrInvalidDeclaration)
	}
	return nil
}

func parseRole(tok string) (ArgRole, error) {
	key, arg, _ := strings.Cut(tok, ":")
	var r ArgRole
	switch key {
	case "-":
		r.Kind = RoleNone
	case "where":
		r.Kind = RoleWhere
	case "values":
		r.Kind = RoleValues
	case "value":
		col, opt, _ := strings.Cut(arg, ",")
		r.Kind, r.Name = RoleValue, col
		switch opt {
		case "":
		case "omitempty":
			r.OmitEmpty = true
		default:
			return r, fmt.Errorf("%w: args token %q", ErrInvalidDeclaration, tok)
		}
	case "param":
		r.Kind, r.Name = RoleParam, arg
	case "cond":
		r.Kind, r.Name = RoleCondition, normalizeColAscii(arg)
	default:
		return r, fmt.Errorf("%w: args token %q", ErrInvalidDeclaration, tok)
	}
	if (r.Kind == RoleValue || r.Kind == RoleParam || r.Kind == RoleCondition) && r.Name == "" {
		return r, fmt.Errorf("%w: args token %q has no name", ErrInvalidDeclaration, tok)
	}
	return r, nil
}

// parseSet parses constant assignments: col=literal pairs separated by
// commas. Literals are null, true, false, numbers or single-quoted strings.
func parseSet(s string) (Values, error) {
	var out Values
	for strings.TrimSpace(s) != "" {
		col, rest, ok := strings.Cut(s, "=")
		col = strings.TrimSpace(col)
		if !ok || col == "" {
			return nil, fmt.Errorf("%w: set tag %q", ErrInvalidDeclaration, s)
		}
		rest = strings.TrimLeft(rest, " \t")
		var lit string
		if strings.HasPrefix(rest, "'") {
			end, err := skipQuoted(rest, 1, '\'', "single-quoted string")
			if err != nil {
				return nil, err
			}
			lit, rest = rest[:end], strings.TrimLeft(rest[end:], " \t")
			if rest != "" {
				if rest[0] != ',' {
					return nil, fmt.Errorf("%w: set tag: text after %s", ErrInvalidDeclaration, lit)
				}
				rest = rest[1:]
			}
		} else {
			lit, rest, _ = strings.Cut(rest, ",")
		}
		cv, err := parseLiteral(strings.TrimSpace(lit))
		if err != nil {
			return nil, err
		}
		out.Put(col, cv)
		s = rest
	}
	return out, nil
}

func parseLiteral(lit string) (ColumnValue, error) {
	switch {
	case strings.EqualFold(lit, "null"):
		return Null(), nil
	case strings.EqualFold(lit, "true"):
		return Bool(true), nil
	case strings.EqualFold(lit, "false"):
		return Bool(false), nil
	case len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\'':
		return String(strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")), nil
	}
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return Int64(n), nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return Float64(f), nil
	}
	return ColumnValue{}, fmt.Errorf("%w: set literal %q", ErrInvalidDeclaration, lit)
}
