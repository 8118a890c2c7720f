package xtable

import (
	"context"
	"iter"
	"reflect"
	"runtime"
	"sync/atomic"
)

// rows is the live row source behind a Seq or Stream. The DB lock is held
// only while a single row is read, never between rows.
type rows struct {
	db  *DB
	ctx context.Context
	op  *OperationSpec
	ct  *CompiledTable
	cur *cursor
	mt  *materializer
}

func (db *DB) openRows(ctx context.Context, ct *CompiledTable, op *OperationSpec, cur *cursor, call *callState) (reflect.Value, error) {
	mt, err := newMaterializer(db.comp.codec, op.model, cur, call)
	if err != nil {
		return reflect.Value{}, err
	}
	r := &rows{db: db, ctx: ctx, op: op, ct: ct, cur: cur, mt: mt}
	db.track(cur)

	v := reflect.New(op.result.Elem())
	v.Interface().(rowOwner).own(r)
	return v, nil
}

// next reads one row. ok is false at the end of data, after which the row
// source is closed.
func (r *rows) next() (v reflect.Value, ok bool, err error) {
	ctx, unlock, err := r.db.lock.lock(r.ctx)
	if err != nil {
		return reflect.Value{}, false, err
	}
	defer unlock()

	if !r.cur.next() {
		err := r.cur.err()
		if cerr := r.cur.close(); err == nil {
			err = cerr
		}
		return reflect.Value{}, false, err
	}
	ptr, err := r.mt.row(ctx, r.cur)
	if err != nil {
		return reflect.Value{}, false, err
	}
	return elemValue(r.op, ptr), true, nil
}

func (r *rows) close() error { return r.cur.close() }

// reclaim runs once the owning Seq or Stream is garbage collected. Iterators
// and subscriptions reference their owner, so a live traversal is never
// reclaimed.
func (r *rows) reclaim() {
	if r.cur.isClosed() {
		return
	}
	_ = r.cur.close()
	r.db.logger.Warn("closed row source of abandoned result", "table", r.ct.Name, "operation", r.op.Name)
}

// rowOwner is implemented by *Seq[T] and *Stream[T].
type rowOwner interface {
	own(r *rows)
}

type seqMarker interface {
	rowOwner
	seqElem() reflect.Type
}

var seqMarkerType = reflect.TypeFor[seqMarker]()

// Seq is a lazy, single-pass sequence of query results. It owns its row
// source, which is closed when the sequence is exhausted, on Close, or when
// a traversal stops early.
//
// A Seq that is dropped without being drained or closed is closed by the
// garbage collector eventually; do not rely on it.
//
// Example:
//
//	seq, err := users.Iter(ctx)
//	if err != nil {
//	    return err
//	}
//	for u, err := range seq.All() {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(u.Name)
//	}
type Seq[T any] struct {
	rows *rows
	used atomic.Bool
}

func (s *Seq[T]) own(r *rows) {
	s.rows = r
	runtime.AddCleanup(s, (*rows).reclaim, r)
}

func (s *Seq[T]) seqElem() reflect.Type { return reflect.TypeFor[T]() }

// All returns the traversal of s. Only one traversal may be started; any
// later one yields ErrAlreadyIterated once. Stopping the range early closes
// the row source.
func (s *Seq[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if !s.used.CompareAndSwap(false, true) {
			yield(zero, ErrAlreadyIterated)
			return
		}
		defer s.rows.close()
		for {
			v, ok, err := s.rows.next()
			if err != nil {
				yield(zero, err)
				return
			}
			if !ok || !yield(v.Interface().(T), nil) {
				return
			}
		}
	}
}

// Iterator starts the traversal of s as a cursor-style iterator.
func (s *Seq[T]) Iterator() (*Iterator[T], error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrAlreadyIterated
	}
	return &Iterator[T]{rows: s.rows, owner: s}, nil
}

// Close closes the row source. It is safe to call more than once.
func (s *Seq[T]) Close() error { return s.rows.close() }

// Iterator walks a Seq one row at a time:
//
//	it, err := seq.Iterator()
//	if err != nil {
//	    return err
//	}
//	defer it.Close()
//	for it.Next() {
//	    use(it.Value())
//	}
//	return it.Err()
type Iterator[T any] struct {
	rows  *rows
	owner any // the Seq: its cleanup must not run while the iterator is live
	cur   T
	err   error
	done  bool
}

// Next advances to the next row. It returns false at the end of data or on
// error; check Err afterwards.
func (it *Iterator[T]) Next() bool {
	if it.done {
		return false
	}
	v, ok, err := it.rows.next()
	if err != nil || !ok {
		var zero T
		it.cur, it.err, it.done = zero, err, true
		_ = it.rows.close()
		return false
	}
	it.cur = v.Interface().(T)
	return true
}

// Value returns the current row.
func (it *Iterator[T]) Value() T { return it.cur }

// IsLast reports whether the current row is the final one.
func (it *Iterator[T]) IsLast() bool { return it.rows.cur.isLast() }

// Err returns the error that ended the traversal, if any.
func (it *Iterator[T]) Err() error { return it.err }

// Close ends the traversal and closes the row source.
func (it *Iterator[T]) Close() error {
	it.done = true
	return it.rows.close()
}
