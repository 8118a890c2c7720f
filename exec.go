package xtable

import (
	"context"
	"reflect"
)

// insert writes one row. The engine reports the generated row id, or -1
// when the conflict mode suppressed the insert.
func (db *DB) insert(ctx context.Context, ct *CompiledTable, op *OperationSpec, args []reflect.Value) (reflect.Value, error) {
	vals, err := db.values(op, args)
	if err != nil {
		return reflect.Value{}, err
	}
	ctx, unlock, err := db.lock.lock(ctx)
	if err != nil {
		return reflect.Value{}, err
	}
	defer unlock()

	id, err := db.engineFor(ctx).Insert(ctx, ct.Name, vals, op.Conflict)
	if err != nil {
		return reflect.Value{}, err
	}
	db.logger.Debug("insert", "table", ct.Name, "operation", op.Name, "columns", len(vals), "id", id)
	switch op.Shape {
	case ShapeBool:
		return reflect.ValueOf(id != -1), nil
	case ShapeInsertID:
		return reflect.ValueOf(id).Convert(op.result), nil
	}
	return reflect.Value{}, nil
}

func (db *DB) update(ctx context.Context, ct *CompiledTable, op *OperationSpec, args []reflect.Value) (reflect.Value, error) {
	vals, err := db.values(op, args)
	if err != nil {
		return reflect.Value{}, err
	}
	where, params, err := db.bindWhere(op, args)
	if err != nil {
		return reflect.Value{}, err
	}
	ctx, unlock, err := db.lock.lock(ctx)
	if err != nil {
		return reflect.Value{}, err
	}
	defer unlock()

	n, err := db.engineFor(ctx).Update(ctx, ct.Name, vals, op.Conflict, where, params)
	if err != nil {
		return reflect.Value{}, err
	}
	db.logger.Debug("update", "table", ct.Name, "operation", op.Name, "where", where, "affected", n)
	return affected(op, n), nil
}

func (db *DB) delete(ctx context.Context, ct *CompiledTable, op *OperationSpec, args []reflect.Value) (reflect.Value, error) {
	where, params, err := db.bindWhere(op, args)
	if err != nil {
		return reflect.Value{}, err
	}
	ctx, unlock, err := db.lock.lock(ctx)
	if err != nil {
		return reflect.Value{}, err
	}
	defer unlock()

	n, err := db.engineFor(ctx).Delete(ctx, ct.Name, where, params)
	if err != nil {
		return reflect.Value{}, err
	}
	db.logger.Debug("delete", "table", ct.Name, "operation", op.Name, "where", where, "affected", n)
	return affected(op, n), nil
}

func affected(op *OperationSpec, n int64) reflect.Value {
	switch op.Shape {
	case ShapeBool:
		return reflect.ValueOf(n != 0)
	case ShapeCount:
		return reflect.ValueOf(n).Convert(op.result)
	}
	return reflect.Value{}
}

// values assembles the column assignments of a write: constants from the
// set tag first, then value and values arguments in parameter order. A later
// assignment to the same column replaces an earlier one.
func (db *DB) values(op *OperationSpec, args []reflect.Value) (Values, error) {
	vals := make(Values, len(op.Set), len(op.Set)+len(args))
	copy(vals, op.Set)
	for i, r := range op.Roles {
		switch r.Kind {
		case RoleValue:
			cv, err := db.comp.codec.Encode(args[i].Interface())
			if err != nil {
				return nil, err
			}
			if r.OmitEmpty && cv.IsNull() {
				continue
			}
			vals.Put(r.Name, cv)
		case RoleValues:
			flat, err := op.argModels[i].values(db.comp.codec, args[i])
			if err != nil {
				return nil, err
			}
			for _, a := range flat {
				vals.Put(a.Column, a.Value)
			}
		}
	}
	return vals, nil
}
