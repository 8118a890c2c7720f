package xtable

import (
	"reflect"
	"sync"
)

// Lazy is a column read postponed until first use. It is only valid while
// the row it was created from is current: once the row source moves to the
// next row or is closed, Get fails with ErrStaleRead unless the value was
// already read.
//
// Declare a constructor parameter as *Lazy[X] to receive one:
//
//	xtable.RegisterModel[Doc](xtable.WithConstructor(NewDoc, "col:id", "col:body"))
//
//	func NewDoc(id int64, body *xtable.Lazy[[]byte]) *Doc
type Lazy[T any] struct {
	mu   sync.Mutex
	read func() (ColumnValue, error)
	done bool
	val  T
}

// Get decodes the column on first call and returns the cached value after.
func (l *Lazy[T]) Get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.val, nil
	}
	var zero T
	if l.read == nil {
		return zero, ErrStaleRead
	}
	cv, err := l.read()
	if err != nil {
		return zero, err
	}
	v, err := DecodeAs[T](cv)
	if err != nil {
		return zero, err
	}
	l.val, l.done, l.read = v, true, nil
	return v, nil
}

func (l *Lazy[T]) bind(read func() (ColumnValue, error)) { l.read = read }

func (l *Lazy[T]) valueType() reflect.Type { return reflect.TypeFor[T]() }

// lazyValue is implemented by every *Lazy[T].
type lazyValue interface {
	bind(read func() (ColumnValue, error))
	valueType() reflect.Type
}

var lazyValueType = reflect.TypeFor[lazyValue]()

// isLazy reports whether rt is *Lazy[X] for some X.
func isLazy(rt reflect.Type) bool {
	return rt.Kind() == reflect.Pointer && rt.Implements(lazyValueType)
}

// newLazy allocates the *Lazy[X] of type rt reading column i of the current
// row of cur.
func newLazy(rt reflect.Type, cur *cursor, i int) reflect.Value {
	lv := reflect.New(rt.Elem())
	pos := cur.position()
	lv.Interface().(lazyValue).bind(func() (ColumnValue, error) {
		return cur.columnAt(i, pos)
	})
	return lv
}
