package sqlengine

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/go-mizu/xtable"
)

// rowSource adapts *sqlx.Rows to xtable.RowSource. It reads one row ahead
// so IsLast can answer without consuming the caller's next row.
type rowSource struct {
	rows *sqlx.Rows
	cols []string

	cur      []any
	ahead    []any
	hasAhead bool
	started  bool
	err      error
	closed   bool
}

func newRowSource(rows *sqlx.Rows) (*rowSource, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &rowSource{rows: rows, cols: cols}, nil
}

func (r *rowSource) fetch() ([]any, bool) {
	if !r.rows.Next() {
		r.err = r.rows.Err()
		return nil, false
	}
	vals, err := r.rows.SliceScan()
	if err != nil {
		r.err = err
		return nil, false
	}
	return vals, true
}

func (r *rowSource) Columns() []string { return r.cols }

func (r *rowSource) Next() bool {
	if r.closed {
		return false
	}
	if !r.started {
		r.started = true
		r.ahead, r.hasAhead = r.fetch()
	}
	if !r.hasAhead {
		r.cur = nil
		return false
	}
	r.cur = r.ahead
	r.ahead, r.hasAhead = r.fetch()
	return true
}

func (r *rowSource) Column(i int) (xtable.ColumnValue, error) {
	if r.cur == nil {
		return xtable.ColumnValue{}, fmt.Errorf("sqlengine: column %d read without a current row", i)
	}
	if i < 0 || i >= len(r.cur) {
		return xtable.ColumnValue{}, fmt.Errorf("sqlengine: column %d out of range [0,%d)", i, len(r.cur))
	}
	return xtable.FromDriver(r.cur[i])
}

func (r *rowSource) IsLast() bool { return r.cur != nil && !r.hasAhead && r.err == nil }

func (r *rowSource) Err() error { return r.err }

func (r *rowSource) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cur, r.ahead = nil, nil
	return r.rows.Close()
}

func (r *rowSource) IsClosed() bool { return r.closed }
