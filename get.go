package xtable

import (
	"context"
	"reflect"
)

// first materializes the first row of cur into a *Elem. It returns a nil
// pointer when the query yields no rows; further rows are ignored, so
// declare a where predicate on a unique column when at most one row is
// expected.
func (db *DB) first(ctx context.Context, op *OperationSpec, cur *cursor, call *callState) (reflect.Value, error) {
	if !cur.next() {
		if err := cur.err(); err != nil {
			return reflect.Value{}, err
		}
		return reflect.Zero(op.result), nil
	}
	mt, err := newMaterializer(db.comp.codec, op.model, cur, call)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr, err := mt.row(ctx, cur)
	if err != nil {
		return reflect.Value{}, err
	}
	if op.elemPtr {
		p := reflect.New(op.Elem)
		p.Elem().Set(ptr)
		return p, nil
	}
	return ptr, nil
}
