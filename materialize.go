package xtable

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
)

// callState carries the per-call inputs of materialization: external
// constructor parameters and inclusion predicates for conditional columns.
type callState struct {
	params map[string]reflect.Value
	conds  map[string]func(ptr reflect.Value) bool
}

// ---------------- Planning & caches ----------------

type planKey struct {
	hash  uint64 // FNV-1a of normalized columns
	ncols int
}

// rowPlan maps a model onto the columns of one row source. Index -1 means
// the column is absent from the result.
type rowPlan struct {
	ctorCols []int
	fields   []int
	optional []int
}

func hashColumns(cols []string) (uint64, []string) {
	norm := make([]string, len(cols))
	h := fnv.New64a()
	for i, c := range cols {
		norm[i] = normalizeColAscii(c)
		_, _ = h.Write([]byte(norm[i]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64(), norm
}

// plan resolves column indexes once per distinct column set.
func (m *modelSpec) plan(cols []string) (*rowPlan, error) {
	hash, norm := hashColumns(cols)
	key := planKey{hash: hash, ncols: len(cols)}
	if v, ok := m.plans.Load(key); ok {
		return v.(*rowPlan), nil
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("xtable: query for %s returned zero columns", m.rt)
	}

	index := make(map[string]int, len(norm))
	for i, c := range norm {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}
	lookup := func(col string) int {
		if i, ok := index[col]; ok {
			return i
		}
		return -1
	}

	p := &rowPlan{}
	if m.ctor != nil {
		p.ctorCols = make([]int, len(m.ctor.params))
		for i, cp := range m.ctor.params {
			p.ctorCols[i] = -1
			if cp.source != fromColumn {
				continue
			}
			if p.ctorCols[i] = lookup(cp.name); p.ctorCols[i] < 0 {
				return nil, fmt.Errorf("xtable: constructor of %s needs column %q, not in result %v", m.rt, cp.name, norm)
			}
		}
	}
	p.fields = make([]int, len(m.fields))
	for i, f := range m.fields {
		p.fields[i] = lookup(f.column)
	}
	p.optional = make([]int, len(m.optional))
	for i, f := range m.optional {
		p.optional[i] = lookup(f.column)
	}

	m.plans.Store(key, p)
	return p, nil
}

// ---------------- Row population ----------------

// materializer builds one model value per row of a cursor.
type materializer struct {
	codec *Codec
	model *modelSpec
	plan  *rowPlan
	call  *callState
}

func newMaterializer(c *Codec, m *modelSpec, cur *cursor, call *callState) (*materializer, error) {
	mt := &materializer{codec: c, model: m, call: call}
	if m.scalar {
		return mt, nil
	}
	p, err := m.plan(cur.columns())
	if err != nil {
		return nil, err
	}
	mt.plan = p
	return mt, nil
}

// row builds a *T from the current row of cur. ctx is handed to constructor
// parameters bound to "ctx".
func (mt *materializer) row(ctx context.Context, cur *cursor) (reflect.Value, error) {
	m := mt.model
	if m.scalar {
		cv, err := cur.column(0)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(m.rt)
		if err := mt.codec.decodeInto(cv, ptr.Elem()); err != nil {
			return reflect.Value{}, err
		}
		return ptr, nil
	}

	ptr, err := mt.construct(ctx, cur)
	if err != nil {
		return reflect.Value{}, err
	}
	root := ptr.Elem()

	for i, f := range m.fields {
		if idx := mt.plan.fields[i]; idx >= 0 {
			if err := mt.readField(cur, root, f, idx); err != nil {
				return reflect.Value{}, err
			}
		}
	}

	// Second pass: inclusion may depend on the fields set above.
	for i, f := range m.optional {
		idx := mt.plan.optional[i]
		if idx < 0 || !mt.include(f.column, ptr) {
			continue
		}
		if err := mt.readField(cur, root, f, idx); err != nil {
			return reflect.Value{}, err
		}
	}
	return ptr, nil
}

func (mt *materializer) construct(ctx context.Context, cur *cursor) (reflect.Value, error) {
	m := mt.model
	if m.ctor == nil {
		return reflect.New(m.rt), nil
	}
	cs := m.ctor
	in := make([]reflect.Value, len(cs.params))
	for i, p := range cs.params {
		switch p.source {
		case fromContext:
			in[i] = reflect.ValueOf(&ctx).Elem()
		case fromParam:
			v, ok := mt.call.param(p.name)
			switch {
			case !ok || !v.IsValid():
				in[i] = reflect.Zero(p.typ)
			case v.Type().AssignableTo(p.typ):
				in[i] = v
			case v.Type().ConvertibleTo(p.typ):
				in[i] = v.Convert(p.typ)
			default:
				return reflect.Value{}, fmt.Errorf("%w: parameter %q is %s, constructor of %s wants %s", ErrUsage, p.name, v.Type(), m.rt, p.typ)
			}
		case fromColumn:
			idx := mt.plan.ctorCols[i]
			if p.lazy {
				in[i] = newLazy(p.typ, cur, idx)
				continue
			}
			cv, err := cur.column(idx)
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(p.typ).Elem()
			if err := mt.codec.decodeInto(cv, v); err != nil {
				return reflect.Value{}, fmt.Errorf("xtable: %s column %q: %w", m.rt, p.name, err)
			}
			in[i] = v
		}
	}

	out := cs.fn.Call(in)
	if cs.retErr && !out[1].IsNil() {
		return reflect.Value{}, out[1].Interface().(error)
	}
	if !cs.retPtr {
		ptr := reflect.New(m.rt)
		ptr.Elem().Set(out[0])
		return ptr, nil
	}
	if out[0].IsNil() {
		return reflect.Value{}, fmt.Errorf("xtable: constructor of %s returned nil", m.rt)
	}
	return out[0], nil
}

// include decides a conditional column: the call's predicate first, then the
// model's registered condition, otherwise included.
func (mt *materializer) include(column string, ptr reflect.Value) bool {
	if mt.call != nil {
		if pred, ok := mt.call.conds[column]; ok {
			return pred(ptr)
		}
	}
	if acc, ok := mt.model.conds[column]; ok {
		return acc.Call([]reflect.Value{ptr})[0].Bool()
	}
	return true
}

func (mt *materializer) readField(cur *cursor, root reflect.Value, f fieldBinding, idx int) error {
	cv, err := cur.column(idx)
	if err != nil {
		return err
	}
	dst := fieldByPathAlloc(root, f.path)
	if err := mt.codec.decodeInto(cv, dst); err != nil {
		if errors.Is(err, ErrCodec) {
			return fmt.Errorf("xtable: %s field %s: %w", mt.model.rt, f.name, err)
		}
		return err
	}
	return nil
}

func (c *callState) param(name string) (reflect.Value, bool) {
	if c == nil {
		return reflect.Value{}, false
	}
	v, ok := c.params[name]
	return v, ok
}
