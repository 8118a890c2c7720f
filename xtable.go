package xtable

import (
	"context"
	"strings"
)

// Engine is the row store the dispatcher executes against. Implementations
// own SQL generation and statement execution; xtable hands them a table name,
// a rewritten predicate and its bound string parameters.
//
// sqlengine.Engine implements Engine over database/sql.
type Engine interface {
	Query(ctx context.Context, table string, columns []string, where string, args []string, orderBy string) (RowSource, error)
	Insert(ctx context.Context, table string, values Values, conflict ConflictMode) (int64, error)
	Update(ctx context.Context, table string, values Values, conflict ConflictMode, where string, args []string) (int64, error)
	Delete(ctx context.Context, table string, where string, args []string) (int64, error)
}

// TxEngine is implemented by engines that can scope a group of operations to
// one transaction. The returned Engine executes inside the transaction until
// commit or rollback is called.
type TxEngine interface {
	Engine
	Begin(ctx context.Context) (Engine, func(commit bool) error, error)
}

// RowSource is a forward-only cursor over query results.
//
// Column reads refer to the current row, i.e. the row reached by the last
// successful Next. IsLast reports whether the current row is the final one.
type RowSource interface {
	Columns() []string
	Next() bool
	Column(i int) (ColumnValue, error)
	IsLast() bool
	Err() error
	Close() error
	IsClosed() bool
}

// ConflictMode selects how an insert or update resolves constraint
// violations.
type ConflictMode uint8

const (
	ConflictNone ConflictMode = iota
	ConflictRollback
	ConflictAbort
	ConflictFail
	ConflictIgnore
	ConflictReplace
)

func (m ConflictMode) String() string {
	switch m {
	case ConflictRollback:
		return "ROLLBACK"
	case ConflictAbort:
		return "ABORT"
	case ConflictFail:
		return "FAIL"
	case ConflictIgnore:
		return "IGNORE"
	case ConflictReplace:
		return "REPLACE"
	default:
		return ""
	}
}

func parseConflictMode(s string) (ConflictMode, bool) {
	switch strings.ToLower(s) {
	case "", "none":
		return ConflictNone, true
	case "rollback":
		return ConflictRollback, true
	case "abort":
		return ConflictAbort, true
	case "fail":
		return ConflictFail, true
	case "ignore":
		return ConflictIgnore, true
	case "replace":
		return ConflictReplace, true
	}
	return 0, false
}

// Assignment is one column = value pair of a write.
type Assignment struct {
	Column string
	Value  ColumnValue
}

// Values is an ordered set of column assignments. Putting a column twice
// replaces the earlier value in place.
type Values []Assignment

// Put sets column to v.
func (vs *Values) Put(column string, v ColumnValue) {
	for i := range *vs {
		if (*vs)[i].Column == column {
			(*vs)[i].Value = v
			return
		}
	}
	*vs = append(*vs, Assignment{Column: column, Value: v})
}

// Get returns the value assigned to column.
func (vs Values) Get(column string) (ColumnValue, bool) {
	for _, a := range vs {
		if a.Column == column {
			return a.Value, true
		}
	}
	return ColumnValue{}, false
}

// Columns returns the assigned column names in order.
func (vs Values) Columns() []string {
	out := make([]string, len(vs))
	for i, a := range vs {
		out[i] = a.Column
	}
	return out
}
