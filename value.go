package xtable

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the variant held by a ColumnValue.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindOpaque
)

var kindNames = [...]string{"null", "bool", "int32", "int64", "float32", "float64", "string", "bytes", "opaque"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ColumnValue is the storage-level representation of one cell.
// The zero value is NULL.
type ColumnValue struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    []byte
}

// Null returns the NULL cell.
func Null() ColumnValue { return ColumnValue{} }

// Bool returns a boolean cell, stored as 1 or 0.
func Bool(v bool) ColumnValue { return ColumnValue{kind: KindBool, i: b2i(v)} }

// Int32 returns a 32-bit integer cell.
func Int32(v int32) ColumnValue { return ColumnValue{kind: KindInt32, i: int64(v)} }

// Int64 returns a 64-bit integer cell.
func Int64(v int64) ColumnValue { return ColumnValue{kind: KindInt64, i: v} }

// Float32 returns a single-precision float cell.
func Float32(v float32) ColumnValue { return ColumnValue{kind: KindFloat32, f: float64(v)} }

// Float64 returns a double-precision float cell.
func Float64(v float64) ColumnValue { return ColumnValue{kind: KindFloat64, f: v} }

// String returns a text cell.
func String(v string) ColumnValue { return ColumnValue{kind: KindString, s: v} }

// Bytes returns a blob cell. v is not copied.
func Bytes(v []byte) ColumnValue { return ColumnValue{kind: KindBytes, b: v} }

// Opaque returns the blob cell of an encoded opaque value. b is not copied.
func Opaque(b []byte) ColumnValue { return ColumnValue{kind: KindOpaque, b: b} }

func b2i(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// Kind returns the variant held by v.
func (v ColumnValue) Kind() ValueKind { return v.kind }

// IsNull reports whether v is the NULL cell.
func (v ColumnValue) IsNull() bool { return v.kind == KindNull }

// IsNumeric reports whether v is an integer, float or bool. Such values are
// inlined into predicates instead of being bound.
func (v ColumnValue) IsNumeric() bool {
	switch v.kind {
	case KindBool, KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	}
	return false
}

// Int returns v as an integer. Floats truncate, strings are parsed and NULL
// is zero.
func (v ColumnValue) Int() (int64, error) {
	switch v.kind {
	case KindNull:
		return 0, nil
	case KindBool, KindInt32, KindInt64:
		return v.i, nil
	case KindFloat32, KindFloat64:
		return int64(v.f), nil
	case KindString:
		return parseInt(v.s)
	case KindBytes, KindOpaque:
		return parseInt(string(v.b))
	}
	return 0, fmt.Errorf("%w: %s as integer", ErrUnsupportedType, v.kind)
}

func parseInt(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot read %q as integer", ErrCodec, s)
	}
	return int64(f), nil
}

// Float returns v as a float64.
func (v ColumnValue) Float() (float64, error) {
	switch v.kind {
	case KindNull:
		return 0, nil
	case KindBool, KindInt32, KindInt64:
		return float64(v.i), nil
	case KindFloat32, KindFloat64:
		return v.f, nil
	case KindString, KindBytes, KindOpaque:
		s := v.s
		if v.kind != KindString {
			s = string(v.b)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: cannot read %q as float", ErrCodec, s)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %s as float", ErrUnsupportedType, v.kind)
}

// Bool returns v as a bool: any non-zero number is true.
func (v ColumnValue) Bool() (bool, error) {
	switch v.kind {
	case KindString, KindBytes, KindOpaque:
		s := v.s
		if v.kind != KindString {
			s = string(v.b)
		}
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
	}
	n, err := v.Float()
	return n != 0, err
}

// Text returns the textual form of v: the form used for bound parameters
// and for reading any column as a string.
func (v ColumnValue) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool, KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		return string(v.b)
	}
}

// Blob returns the byte payload of v. Strings convert; NULL is nil.
func (v ColumnValue) Blob() []byte {
	switch v.kind {
	case KindNull:
		return nil
	case KindBytes, KindOpaque:
		return v.b
	default:
		return []byte(v.Text())
	}
}

// Literal returns v as SQL literal text, the form inlined into predicates.
func (v ColumnValue) Literal() string {
	if v.kind == KindNull {
		return "NULL"
	}
	if v.IsNumeric() {
		return v.Text()
	}
	return quoteString(v.Text())
}

// Driver returns v as a database/sql driver value.
func (v ColumnValue) Driver() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool, KindInt32, KindInt64:
		return v.i
	case KindFloat32, KindFloat64:
		return v.f
	case KindString:
		return v.s
	default:
		return v.b
	}
}

// Equivalent reports whether v and o denote the same cell value. Integers
// compare across widths, floats across precisions, and bytes compare equal to
// opaque payloads.
func (v ColumnValue) Equivalent(o ColumnValue) bool {
	switch {
	case v.kind == KindNull || o.kind == KindNull:
		return v.kind == o.kind
	case isIntKind(v.kind) && isIntKind(o.kind):
		return v.i == o.i
	case isFloatKind(v.kind) && isFloatKind(o.kind):
		if v.kind == KindFloat32 || o.kind == KindFloat32 {
			return float32(v.f) == float32(o.f)
		}
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case v.kind == KindString && o.kind == KindString:
		return v.s == o.s
	case isBlobKind(v.kind) && isBlobKind(o.kind):
		return bytes.Equal(v.b, o.b)
	}
	return false
}

func (v ColumnValue) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBytes, KindOpaque:
		return fmt.Sprintf("%s(%x)", v.kind, v.b)
	}
	return v.kind.String() + "(" + v.Text() + ")"
}

func isIntKind(k ValueKind) bool   { return k == KindBool || k == KindInt32 || k == KindInt64 }
func isFloatKind(k ValueKind) bool { return k == KindFloat32 || k == KindFloat64 }
func isBlobKind(k ValueKind) bool  { return k == KindBytes || k == KindOpaque }

// FromDriver converts a value produced by a database/sql driver.
func FromDriver(v any) (ColumnValue, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Int64(x), nil
	case int32:
		return Int32(x), nil
	case int:
		return Int64(int64(x)), nil
	case float64:
		return Float64(x), nil
	case float32:
		return Float32(x), nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(append([]byte(nil), x...)), nil
	case time.Time:
		return String(x.Format(time.RFC3339Nano)), nil
	case fmt.Stringer:
		return String(x.String()), nil
	}
	return ColumnValue{}, fmt.Errorf("%w: driver value %T", ErrUnsupportedType, v)
}
