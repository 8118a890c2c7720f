package xtable

import (
	"errors"
	"fmt"
)

// Error categories. Every error produced by xtable itself wraps exactly one
// of them; engine errors are returned unchanged.
var (
	// ErrSchema marks declaration problems found while compiling a table or
	// model type. They are cached with the type and returned on every use.
	ErrSchema = errors.New("xtable: schema error")
	// ErrCodec marks values that cannot be converted to or from a column.
	ErrCodec = errors.New("xtable: codec error")
	// ErrUsage marks API misuse detected at the violating call.
	ErrUsage = errors.New("xtable: usage error")
)

var (
	ErrMissingTableName     = fmt.Errorf("%w: missing table name", ErrSchema)
	ErrInvalidDeclaration   = fmt.Errorf("%w: invalid declaration", ErrSchema)
	ErrUnsupportedResult    = fmt.Errorf("%w: unsupported result type", ErrSchema)
	ErrAmbiguousConstructor = fmt.Errorf("%w: multiple constructors", ErrSchema)
	ErrNoConstructor        = fmt.Errorf("%w: no eligible constructor", ErrSchema)
	ErrDuplicateCondition   = fmt.Errorf("%w: duplicate condition", ErrSchema)

	ErrUnsupportedType = fmt.Errorf("%w: unsupported type", ErrCodec)
	ErrNoOpaqueCodec   = fmt.Errorf("%w: no opaque codec", ErrCodec)

	ErrAlreadyIterated     = fmt.Errorf("%w: sequence already iterated", ErrUsage)
	ErrUndeclaredOperation = fmt.Errorf("%w: undeclared operation", ErrUsage)
	ErrStaleRead           = fmt.Errorf("%w: deferred read after row moved", ErrUsage)
	ErrNullArgument        = fmt.Errorf("%w: null predicate argument", ErrUsage)
)
