package xtable

import (
	"context"
	"fmt"
	"reflect"
)

// query executes a select and adapts the row source to op.Shape.
//
// Exists, count, list and first-row shapes consume the row source and close
// it before returning. Seq and Stream shapes hand it over to the returned
// value, which closes it on exhaustion, Close or Cancel.
func (db *DB) query(ctx context.Context, ct *CompiledTable, op *OperationSpec, args []reflect.Value) (out reflect.Value, err error) {
	where, params, err := db.bindWhere(op, args)
	if err != nil {
		return reflect.Value{}, err
	}
	call := callStateOf(op, args)

	lctx, unlock, err := db.lock.lock(ctx)
	if err != nil {
		return reflect.Value{}, err
	}
	defer unlock()

	rs, err := db.engineFor(lctx).Query(lctx, ct.Name, op.Columns, where, params, op.OrderBy)
	if err != nil {
		return reflect.Value{}, err
	}
	db.logger.Debug("query", "table", ct.Name, "operation", op.Name, "where", where, "args", len(params))
	cur := newCursor(rs)

	if op.Shape == ShapeSeq || op.Shape == ShapeStream {
		out, err = db.openRows(ctx, ct, op, cur, call)
		if err != nil {
			_ = cur.close()
		}
		return out, err
	}

	// Propagate the close error if nothing else failed.
	defer func() {
		if cerr := cur.close(); cerr != nil && err == nil {
			out, err = reflect.Value{}, cerr
		}
	}()

	switch op.Shape {
	case ShapeBool:
		ok := cur.next()
		if err := cur.err(); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(ok), nil
	case ShapeCount:
		var n int64
		for cur.next() {
			n++
		}
		if err := cur.err(); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(n).Convert(op.result), nil
	case ShapeList:
		return db.list(lctx, op, cur, call)
	case ShapeFirst:
		return db.first(lctx, op, cur, call)
	}
	return reflect.Value{}, fmt.Errorf("%w: select cannot produce shape %d", ErrUnsupportedResult, op.Shape)
}

// list drains cur into a slice of op.Elem.
func (db *DB) list(ctx context.Context, op *OperationSpec, cur *cursor, call *callState) (reflect.Value, error) {
	mt, err := newMaterializer(db.comp.codec, op.model, cur, call)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.MakeSlice(op.result, 0, 8)
	for cur.next() {
		ptr, err := mt.row(ctx, cur)
		if err != nil {
			return reflect.Value{}, err
		}
		out = reflect.Append(out, elemValue(op, ptr))
	}
	if err := cur.err(); err != nil {
		return reflect.Value{}, err
	}
	return out, nil
}

// elemValue converts the *Model built by a materializer to op.Elem.
func elemValue(op *OperationSpec, ptr reflect.Value) reflect.Value {
	if op.elemPtr {
		return ptr
	}
	return ptr.Elem()
}

// bindWhere splits the where arguments of a call between the predicate text
// and bound parameters.
func (db *DB) bindWhere(op *OperationSpec, args []reflect.Value) (string, []string, error) {
	if op.Where == nil {
		return "", nil, nil
	}
	vals := make([]ColumnValue, 0, len(args))
	for i, r := range op.Roles {
		if r.Kind != RoleWhere {
			continue
		}
		cv, err := db.comp.codec.Encode(args[i].Interface())
		if err != nil {
			return "", nil, err
		}
		vals = append(vals, cv)
	}
	return op.Where.Bind(vals)
}

// callStateOf collects constructor parameters and conditional predicates
// passed to a select.
func callStateOf(op *OperationSpec, args []reflect.Value) *callState {
	var cs *callState
	for i, r := range op.Roles {
		if r.Kind != RoleParam && r.Kind != RoleCondition {
			continue
		}
		if cs == nil {
			cs = &callState{params: map[string]reflect.Value{}, conds: map[string]func(reflect.Value) bool{}}
		}
		a := args[i]
		if r.Kind == RoleParam {
			cs.params[r.Name] = a
			continue
		}
		if a.Kind() == reflect.Bool {
			include := a.Bool()
			cs.conds[r.Name] = func(reflect.Value) bool { return include }
			continue
		}
		if a.IsNil() {
			continue // no predicate: the model's condition applies
		}
		cs.conds[r.Name] = func(ptr reflect.Value) bool {
			return a.Call([]reflect.Value{ptr})[0].Bool()
		}
	}
	return cs
}
