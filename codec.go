package xtable

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"math"
	"reflect"
	"sync"
)

// encodeFunc converts a typed value into a column value.
type encodeFunc func(v reflect.Value) (ColumnValue, error)

// decodeFunc stores a column value into the settable dst.
type decodeFunc func(cv ColumnValue, dst reflect.Value) error

// opaqueCodec converts a type without a native column form to and from bytes.
type opaqueCodec struct {
	encode func(v reflect.Value) ([]byte, error)
	decode func(b []byte, dst reflect.Value) error
}

// Codec owns the per-type conversion caches. Use the package-level functions,
// which share one lazily created Codec, or NewCodec in tests.
type Codec struct {
	encoders sync.Map // reflect.Type -> encodeFunc
	decoders sync.Map // reflect.Type -> decodeFunc
	opaque   sync.Map // reflect.Type -> *opaqueCodec (nil entry: none available)
}

// NewCodec returns a Codec with empty caches and no registered opaque types.
func NewCodec() *Codec { return &Codec{} }

var (
	codec     *Codec
	codecOnce sync.Once
)

func getCodec() *Codec {
	codecOnce.Do(func() { codec = NewCodec() })
	return codec
}

var (
	scannerType           = reflect.TypeFor[sql.Scanner]()
	valuerType            = reflect.TypeFor[driver.Valuer]()
	binaryMarshalerType   = reflect.TypeFor[encoding.BinaryMarshaler]()
	binaryUnmarshalerType = reflect.TypeFor[encoding.BinaryUnmarshaler]()
	bytesType             = reflect.TypeFor[[]byte]()
)

// RegisterOpaque installs the binary codec used for T. Types implementing
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler need no
// registration. Register before T is first encoded or decoded.
func RegisterOpaque[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) {
	getCodec().registerOpaque(reflect.TypeFor[T](), &opaqueCodec{
		encode: func(v reflect.Value) ([]byte, error) { return encode(v.Interface().(T)) },
		decode: func(b []byte, dst reflect.Value) error {
			x, err := decode(b)
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(&x).Elem())
			return nil
		},
	})
}

func (c *Codec) registerOpaque(rt reflect.Type, oc *opaqueCodec) {
	c.opaque.Store(rt, oc)
	c.encoders.Delete(rt)
	c.decoders.Delete(rt)
}

// Encode converts v into its column representation.
func Encode(v any) (ColumnValue, error) { return getCodec().Encode(v) }

// Decode converts cv into a new value of type rt.
func Decode(cv ColumnValue, rt reflect.Type) (any, error) {
	dst := reflect.New(rt).Elem()
	if err := getCodec().decodeInto(cv, dst); err != nil {
		return nil, err
	}
	return dst.Interface(), nil
}

// DecodeAs converts cv into a T.
func DecodeAs[T any](cv ColumnValue) (T, error) {
	var out T
	err := getCodec().decodeInto(cv, reflect.ValueOf(&out).Elem())
	return out, err
}

// Encode converts v using c's caches. A nil v is NULL.
func (c *Codec) Encode(v any) (ColumnValue, error) {
	if v == nil {
		return Null(), nil
	}
	rv := reflect.ValueOf(v)
	enc, err := c.encoder(rv.Type())
	if err != nil {
		return ColumnValue{}, err
	}
	return enc(rv)
}

func (c *Codec) decodeInto(cv ColumnValue, dst reflect.Value) error {
	dec, err := c.decoder(dst.Type())
	if err != nil {
		return err
	}
	return dec(cv, dst)
}

// ---------------- Encoders ----------------

func (c *Codec) encoder(rt reflect.Type) (encodeFunc, error) {
	if v, ok := c.encoders.Load(rt); ok {
		return v.(encodeFunc), nil
	}
	enc, err := c.makeEncoder(rt)
	if err != nil {
		return nil, err
	}
	c.encoders.Store(rt, enc)
	return enc, nil
}

func (c *Codec) makeEncoder(rt reflect.Type) (encodeFunc, error) {
	if oc, ok := c.registered(rt); ok {
		return opaqueEncoder(oc), nil
	}
	if rt.Implements(valuerType) {
		return func(v reflect.Value) (ColumnValue, error) {
			if rt.Kind() == reflect.Pointer && v.IsNil() {
				return Null(), nil
			}
			dv, err := v.Interface().(driver.Valuer).Value()
			if err != nil {
				return ColumnValue{}, err
			}
			return FromDriver(dv)
		}, nil
	}

	switch rt.Kind() {
	case reflect.Bool:
		return func(v reflect.Value) (ColumnValue, error) { return Bool(v.Bool()), nil }, nil
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return func(v reflect.Value) (ColumnValue, error) { return Int32(int32(v.Int())), nil }, nil
	case reflect.Uint8, reflect.Uint16:
		return func(v reflect.Value) (ColumnValue, error) { return Int32(int32(v.Uint())), nil }, nil
	case reflect.Int, reflect.Int64:
		return func(v reflect.Value) (ColumnValue, error) { return Int64(v.Int()), nil }, nil
	case reflect.Uint, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(v reflect.Value) (ColumnValue, error) {
			n := v.Uint()
			if n > math.MaxInt64 {
				return ColumnValue{}, fmt.Errorf("%w: %s value %d overflows int64", ErrCodec, rt, n)
			}
			return Int64(int64(n)), nil
		}, nil
	case reflect.Float32:
		return func(v reflect.Value) (ColumnValue, error) { return Float32(float32(v.Float())), nil }, nil
	case reflect.Float64:
		return func(v reflect.Value) (ColumnValue, error) { return Float64(v.Float()), nil }, nil
	case reflect.String:
		return func(v reflect.Value) (ColumnValue, error) { return String(v.String()), nil }, nil
	case reflect.Slice:
		if rt.Elem().Kind() == reflect.Uint8 {
			return func(v reflect.Value) (ColumnValue, error) {
				if v.IsNil() {
					return Null(), nil
				}
				return Bytes(v.Bytes()), nil
			}, nil
		}
	case reflect.Pointer:
		elem, err := c.encoder(rt.Elem())
		if err != nil {
			return nil, err
		}
		return func(v reflect.Value) (ColumnValue, error) {
			if v.IsNil() {
				return Null(), nil
			}
			return elem(v.Elem())
		}, nil
	case reflect.Interface:
		return func(v reflect.Value) (ColumnValue, error) {
			if v.IsNil() {
				return Null(), nil
			}
			return c.Encode(v.Elem().Interface())
		}, nil
	}

	if oc := c.autoOpaque(rt); oc != nil {
		return opaqueEncoder(oc), nil
	}
	return nil, fmt.Errorf("%w: cannot encode %s", ErrUnsupportedType, rt)
}

func opaqueEncoder(oc *opaqueCodec) encodeFunc {
	return func(v reflect.Value) (ColumnValue, error) {
		b, err := oc.encode(v)
		if err != nil {
			return ColumnValue{}, err
		}
		return Opaque(b), nil
	}
}

// ---------------- Decoders ----------------

func (c *Codec) decoder(rt reflect.Type) (decodeFunc, error) {
	if v, ok := c.decoders.Load(rt); ok {
		return v.(decodeFunc), nil
	}
	dec, err := c.makeDecoder(rt)
	if err != nil {
		return nil, err
	}
	c.decoders.Store(rt, dec)
	return dec, nil
}

func (c *Codec) makeDecoder(rt reflect.Type) (decodeFunc, error) {
	if oc, ok := c.registered(rt); ok {
		return opaqueDecoder(rt, oc), nil
	}

	// Nullable wrapper: NULL leaves the pointer nil, anything else decodes
	// into a fresh element.
	if rt.Kind() == reflect.Pointer {
		elem, err := c.decoder(rt.Elem())
		if err != nil {
			return nil, err
		}
		return func(cv ColumnValue, dst reflect.Value) error {
			if cv.IsNull() {
				dst.SetZero()
				return nil
			}
			p := reflect.New(rt.Elem())
			if err := elem(cv, p.Elem()); err != nil {
				return err
			}
			dst.Set(p)
			return nil
		}, nil
	}

	if reflect.PointerTo(rt).Implements(scannerType) {
		return func(cv ColumnValue, dst reflect.Value) error {
			return dst.Addr().Interface().(sql.Scanner).Scan(cv.Driver())
		}, nil
	}

	switch rt.Kind() {
	case reflect.Bool:
		return func(cv ColumnValue, dst reflect.Value) error {
			b, err := cv.Bool()
			if err != nil {
				return err
			}
			dst.SetBool(b)
			return nil
		}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(cv ColumnValue, dst reflect.Value) error {
			n, err := cv.Int()
			if err != nil {
				return err
			}
			if dst.OverflowInt(n) {
				return fmt.Errorf("%w: %d overflows %s", ErrCodec, n, rt)
			}
			dst.SetInt(n)
			return nil
		}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(cv ColumnValue, dst reflect.Value) error {
			n, err := cv.Int()
			if err != nil {
				return err
			}
			if n < 0 || dst.OverflowUint(uint64(n)) {
				return fmt.Errorf("%w: %d overflows %s", ErrCodec, n, rt)
			}
			dst.SetUint(uint64(n))
			return nil
		}, nil
	case reflect.Float32, reflect.Float64:
		return func(cv ColumnValue, dst reflect.Value) error {
			f, err := cv.Float()
			if err != nil {
				return err
			}
			dst.SetFloat(f)
			return nil
		}, nil
	case reflect.String:
		return func(cv ColumnValue, dst reflect.Value) error {
			dst.SetString(cv.Text())
			return nil
		}, nil
	case reflect.Slice:
		if rt.Elem().Kind() == reflect.Uint8 {
			return func(cv ColumnValue, dst reflect.Value) error {
				if cv.IsNull() {
					dst.SetZero()
					return nil
				}
				b := append([]byte(nil), cv.Blob()...)
				dst.Set(reflect.ValueOf(b).Convert(rt))
				return nil
			}, nil
		}
	case reflect.Interface:
		if rt.NumMethod() == 0 {
			return func(cv ColumnValue, dst reflect.Value) error {
				if cv.IsNull() {
					dst.SetZero()
					return nil
				}
				dst.Set(reflect.ValueOf(cv.Driver()))
				return nil
			}, nil
		}
	}

	if oc := c.autoOpaque(rt); oc != nil {
		return opaqueDecoder(rt, oc), nil
	}
	return nil, fmt.Errorf("%w: cannot decode into %s", ErrUnsupportedType, rt)
}

func opaqueDecoder(rt reflect.Type, oc *opaqueCodec) decodeFunc {
	return func(cv ColumnValue, dst reflect.Value) error {
		if cv.IsNull() {
			dst.SetZero()
			return nil
		}
		if err := oc.decode(cv.Blob(), dst); err != nil {
			return fmt.Errorf("xtable: decode %s: %w", rt, err)
		}
		return nil
	}
}

// ---------------- Opaque lookup ----------------

func (c *Codec) registered(rt reflect.Type) (*opaqueCodec, bool) {
	v, ok := c.opaque.Load(rt)
	if !ok || v.(*opaqueCodec) == nil {
		return nil, false
	}
	return v.(*opaqueCodec), true
}

// autoOpaque locates the binary marshaling pair of rt once and caches the
// outcome, including its absence.
func (c *Codec) autoOpaque(rt reflect.Type) *opaqueCodec {
	if v, ok := c.opaque.Load(rt); ok {
		return v.(*opaqueCodec)
	}
	var oc *opaqueCodec
	pt := reflect.PointerTo(rt)
	if (rt.Implements(binaryMarshalerType) || pt.Implements(binaryMarshalerType)) && pt.Implements(binaryUnmarshalerType) {
		oc = &opaqueCodec{
			encode: func(v reflect.Value) ([]byte, error) {
				if !rt.Implements(binaryMarshalerType) {
					if !v.CanAddr() {
						p := reflect.New(rt)
						p.Elem().Set(v)
						v = p.Elem()
					}
					v = v.Addr()
				}
				return v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
			},
			decode: func(b []byte, dst reflect.Value) error {
				p := reflect.New(rt)
				if err := p.Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(b); err != nil {
					return err
				}
				dst.Set(p.Elem())
				return nil
			},
		}
	}
	c.opaque.Store(rt, oc)
	return oc
}

// isOpaque reports whether values of rt are stored as opaque bytes.
func (c *Codec) isOpaque(rt reflect.Type) bool {
	if _, ok := c.registered(rt); ok {
		return true
	}
	switch rt.Kind() {
	case reflect.Struct, reflect.Array, reflect.Map, reflect.Slice:
		if rt == bytesType || rt.Implements(valuerType) {
			return false
		}
		return c.autoOpaque(rt) != nil
	}
	return false
}
