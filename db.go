package xtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// DB routes declared table operations to an Engine. Every engine request is
// made under one reentrant lock per DB, so a DB may be shared freely between
// goroutines.
type DB struct {
	engine Engine
	logger *slog.Logger
	lock   *reentrantLock
	comp   *compiler

	mu     sync.Mutex // serializes table creation
	tables sync.Map   // reflect.Type -> reflect.Value (*T)

	curMu   sync.Mutex
	cursors map[*cursor]struct{}
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for statement and lifecycle records. The
// default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// Open returns a DB executing against engine.
func Open(engine Engine, opts ...Option) *DB {
	db := &DB{
		engine:  engine,
		logger:  slog.New(slog.DiscardHandler),
		lock:    newReentrantLock(),
		comp:    getCompiler(),
		cursors: map[*cursor]struct{}{},
	}
	for _, o := range opts {
		o(db)
	}
	return db
}

// Engine returns the engine db executes against.
func (db *DB) Engine() Engine { return db.engine }

// GetTable returns the table handle of the declared type T, compiling T on
// first use. Every call for the same T on the same DB returns the same *T.
//
// Each func field of T carrying a sql tag is bound to its compiled
// operation; func fields without one return ErrUndeclaredOperation.
//
// Example:
//
//	type UserTable struct {
//	    _ struct{} `table:"user"`
//
//	    Add  func(ctx context.Context, u User) (int64, error) `sql:"insert" args:"values"`
//	    Find func(ctx context.Context, name string) (*User, error) `sql:"select" where:"name=?"`
//	}
//
//	users, err := xtable.GetTable[UserTable](db)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := users.Add(ctx, User{Name: "ann"})
func GetTable[T any](db *DB) (*T, error) {
	v, err := db.table(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	return v.Interface().(*T), nil
}

func (db *DB) table(rt reflect.Type) (reflect.Value, error) {
	if v, ok := db.tables.Load(rt); ok {
		return v.(reflect.Value), nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if v, ok := db.tables.Load(rt); ok {
		return v.(reflect.Value), nil
	}

	ct, err := db.comp.table(rt)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(rt)
	for name, op := range ct.Ops {
		ptr.Elem().FieldByName(name).Set(reflect.MakeFunc(op.fn, db.bind(ct, op)))
	}
	for _, name := range ct.undeclared {
		f := ptr.Elem().FieldByName(name)
		if stub, ok := undeclaredStub(ct, name, f.Type()); ok {
			f.Set(stub)
		}
	}
	db.logger.Debug("table bound", "type", rt.String(), "table", ct.Name, "operations", len(ct.Ops))
	db.tables.Store(rt, ptr)
	return ptr, nil
}

// bind adapts op to the calling convention of its func field.
func (db *DB) bind(ct *CompiledTable, op *OperationSpec) func([]reflect.Value) []reflect.Value {
	return func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if op.hasCtx {
			if c, _ := in[0].Interface().(context.Context); c != nil {
				ctx = c
			}
			in = in[1:]
		}
		res, err := db.call(ctx, ct, op, in)
		return results(op.fn, res, err)
	}
}

func undeclaredStub(ct *CompiledTable, name string, ft reflect.Type) (reflect.Value, bool) {
	if ft.NumOut() == 0 || ft.Out(ft.NumOut()-1) != errorType {
		return reflect.Value{}, false
	}
	err := fmt.Errorf("%w: %s.%s", ErrUndeclaredOperation, ct.Type.Name(), name)
	return reflect.MakeFunc(ft, func([]reflect.Value) []reflect.Value {
		return results(ft, reflect.Value{}, err)
	}), true
}

// results builds the return values of a func of type ft.
func results(ft reflect.Type, res reflect.Value, err error) []reflect.Value {
	out := make([]reflect.Value, ft.NumOut())
	last := len(out) - 1
	for i := 0; i < last; i++ {
		out[i] = reflect.Zero(ft.Out(i))
	}
	if last > 0 && err == nil && res.IsValid() {
		out[0] = res
	}
	if err != nil {
		out[last] = reflect.ValueOf(&err).Elem()
	} else {
		out[last] = reflect.Zero(errorType)
	}
	return out
}

func (db *DB) call(ctx context.Context, ct *CompiledTable, op *OperationSpec, args []reflect.Value) (reflect.Value, error) {
	switch op.Kind {
	case KindSelect:
		return db.query(ctx, ct, op, args)
	case KindInsert:
		return db.insert(ctx, ct, op, args)
	case KindUpdate:
		return db.update(ctx, ct, op, args)
	case KindDelete:
		return db.delete(ctx, ct, op, args)
	}
	return reflect.Value{}, fmt.Errorf("%w: %s.%s", ErrUndeclaredOperation, ct.Name, op.Name)
}

// ---------------- Untyped access ----------------

// Table is the untyped handle of a declared table type.
type Table struct {
	db *DB
	ct *CompiledTable
}

// Table returns the untyped handle of the declared type of decl. decl may be
// a value, a pointer or a reflect.Type of the declaration.
func (db *DB) Table(decl any) (*Table, error) {
	ct, err := db.comp.table(declType(decl))
	if err != nil {
		return nil, err
	}
	return &Table{db: db, ct: ct}, nil
}

// TableName returns the table name of the declared type of decl.
func (db *DB) TableName(decl any) (string, error) {
	ct, err := db.comp.table(declType(decl))
	if err != nil {
		return "", err
	}
	return ct.Name, nil
}

func declType(decl any) reflect.Type {
	rt, ok := decl.(reflect.Type)
	if !ok {
		rt = reflect.TypeOf(decl)
	}
	if rt == nil {
		return reflect.TypeFor[struct{}]()
	}
	return derefPtr(rt)
}

// Name returns the table name.
func (t *Table) Name() string { return t.ct.Name }

// Spec returns the compiled declaration.
func (t *Table) Spec() *CompiledTable { return t.ct }

// Invoke runs the operation declared by the field op with args, which must
// match the declared parameters after the optional context. A nil argument
// is the zero value of its parameter. The result is nil for operations
// returning only an error.
func (t *Table) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	spec, ok := t.ct.Ops[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUndeclaredOperation, t.ct.Type.Name(), op)
	}
	if len(args) != len(spec.Roles) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrUsage, op, len(spec.Roles), len(args))
	}
	offset := 0
	if spec.hasCtx {
		offset = 1
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		pt := spec.fn.In(i + offset)
		if a == nil {
			in[i] = reflect.Zero(pt)
			continue
		}
		v := reflect.ValueOf(a)
		switch {
		case v.Type().AssignableTo(pt):
			in[i] = reflect.New(pt).Elem()
			in[i].Set(v)
		case v.Type().ConvertibleTo(pt):
			in[i] = v.Convert(pt)
		default:
			return nil, fmt.Errorf("%w: %s argument %d is %s, want %s", ErrUsage, op, i, v.Type(), pt)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := t.db.call(ctx, t.ct, spec, in)
	if err != nil || !res.IsValid() {
		return nil, err
	}
	return res.Interface(), nil
}

// ---------------- Transactions ----------------

type txKey struct{}

type txScope struct {
	db     *DB
	engine Engine
}

// RunInTx runs fn holding db's lock inside one engine transaction. The
// transaction commits when fn returns nil and rolls back otherwise,
// including when fn panics. Operations must be called with the context
// passed to fn to take part; a nested RunInTx joins the outer transaction.
//
// The engine must implement TxEngine.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, unlock, err := db.lock.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if s, ok := ctx.Value(txKey{}).(*txScope); ok && s.db == db {
		return fn(ctx)
	}
	te, ok := db.engine.(TxEngine)
	if !ok {
		return fmt.Errorf("%w: engine %T does not support transactions", ErrUsage, db.engine)
	}
	eng, end, err := te.Begin(ctx)
	if err != nil {
		return err
	}
	db.logger.Debug("transaction begin")

	done := false
	defer func() {
		if done {
			return
		}
		if rerr := end(false); rerr != nil {
			db.logger.Warn("transaction rollback failed", "error", rerr)
		}
		db.logger.Debug("transaction rolled back")
	}()
	if err := fn(context.WithValue(ctx, txKey{}, &txScope{db: db, engine: eng})); err != nil {
		return err
	}
	done = true
	if err := end(true); err != nil {
		return err
	}
	db.logger.Debug("transaction committed")
	return nil
}

// engineFor returns the transaction engine carried by ctx, or db's engine.
func (db *DB) engineFor(ctx context.Context) Engine {
	if s, ok := ctx.Value(txKey{}).(*txScope); ok && s.db == db {
		return s.engine
	}
	return db.engine
}

// ---------------- Open cursors ----------------

func (db *DB) track(cur *cursor) {
	cur.mu.Lock()
	cur.onDone = db.untrack
	cur.mu.Unlock()
	db.curMu.Lock()
	db.cursors[cur] = struct{}{}
	db.curMu.Unlock()
}

func (db *DB) untrack(cur *cursor) {
	db.curMu.Lock()
	delete(db.cursors, cur)
	db.curMu.Unlock()
}

// OpenCursors returns the number of row sources held by live sequences and
// streams.
func (db *DB) OpenCursors() int {
	db.curMu.Lock()
	defer db.curMu.Unlock()
	return len(db.cursors)
}

// CloseCursors closes the row sources of every open sequence and stream.
// Their consumers see the end of data on the next row request.
func (db *DB) CloseCursors() error {
	db.curMu.Lock()
	open := make([]*cursor, 0, len(db.cursors))
	for c := range db.cursors {
		open = append(open, c)
	}
	db.curMu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(open) > 0 {
		db.logger.Debug("cursors closed", "count", len(open))
	}
	return errors.Join(errs...)
}
