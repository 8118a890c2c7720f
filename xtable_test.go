package xtable

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-mizu/xtable/internal/testutil"
)

// fakeRows is an in-memory RowSource that records which columns were read.
type fakeRows struct {
	mu     sync.Mutex
	cols   []string
	data   [][]ColumnValue
	i      int // 1-based index of the current row
	closed bool
	err    error // reported once the data is exhausted
	reads  []int
}

func newFakeRows(cols []string, rows ...[]any) *fakeRows {
	r := &fakeRows{cols: cols}
	for _, row := range rows {
		r.data = append(r.data, cells(row...))
	}
	return r
}

// cells encodes test values, panicking on unsupported types.
func cells(vals ...any) []ColumnValue {
	out := make([]ColumnValue, len(vals))
	for i, v := range vals {
		cv, err := Encode(v)
		if err != nil {
			panic(err)
		}
		out[i] = cv
	}
	return out
}

func (r *fakeRows) Columns() []string { return append([]string(nil), r.cols...) }

func (r *fakeRows) Next() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Column(i int) (ColumnValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.i == 0 {
		return ColumnValue{}, errors.New("fakeRows: no current row")
	}
	r.reads = append(r.reads, i)
	return r.data[r.i-1][i], nil
}

func (r *fakeRows) IsLast() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.i > 0 && r.i == len(r.data)
}

func (r *fakeRows) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.i >= len(r.data) {
		return r.err
	}
	return nil
}

func (r *fakeRows) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRows) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRows) readColumns() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.reads...)
}

type queryCall struct {
	Table   string
	Columns []string
	Where   string
	Args    []string
	OrderBy string
}

type writeCall struct {
	Kind     string
	Table    string
	Values   Values
	Conflict ConflictMode
	Where    string
	Args     []string
}

// fakeEngine records requests and answers them from canned results.
type fakeEngine struct {
	mu       sync.Mutex
	queries  []queryCall
	writes   []writeCall
	rows     func(q queryCall) (RowSource, error)
	insertID int64
	affected int64
	err      error
	opened   []RowSource
}

func (e *fakeEngine) Query(_ context.Context, table string, columns []string, where string, args []string, orderBy string) (RowSource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := queryCall{Table: table, Columns: columns, Where: where, Args: args, OrderBy: orderBy}
	e.queries = append(e.queries, q)
	if e.err != nil {
		return nil, e.err
	}
	var rs RowSource = newFakeRows([]string{"id"})
	if e.rows != nil {
		var err error
		if rs, err = e.rows(q); err != nil {
			return nil, err
		}
	}
	e.opened = append(e.opened, rs)
	return rs, nil
}

func (e *fakeEngine) record(w writeCall) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, w)
	return e.err
}

func (e *fakeEngine) Insert(_ context.Context, table string, values Values, conflict ConflictMode) (int64, error) {
	if err := e.record(writeCall{Kind: "insert", Table: table, Values: values, Conflict: conflict}); err != nil {
		return 0, err
	}
	return e.insertID, nil
}

func (e *fakeEngine) Update(_ context.Context, table string, values Values, conflict ConflictMode, where string, args []string) (int64, error) {
	if err := e.record(writeCall{Kind: "update", Table: table, Values: values, Conflict: conflict, Where: where, Args: args}); err != nil {
		return 0, err
	}
	return e.affected, nil
}

func (e *fakeEngine) Delete(_ context.Context, table string, where string, args []string) (int64, error) {
	if err := e.record(writeCall{Kind: "delete", Table: table, Where: where, Args: args}); err != nil {
		return 0, err
	}
	return e.affected, nil
}

func (e *fakeEngine) lastQuery(t *testing.T) queryCall {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.queries, "no query issued")
	return e.queries[len(e.queries)-1]
}

func (e *fakeEngine) lastWrite(t *testing.T) writeCall {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.writes, "no write issued")
	return e.writes[len(e.writes)-1]
}

func (e *fakeEngine) allClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.opened {
		if !rs.IsClosed() {
			return false
		}
	}
	return true
}

func newTestDB(t *testing.T, e Engine) *DB {
	t.Helper()
	return Open(e, WithLogger(testutil.NewTestLogger(t)))
}

func TestConflictMode_StringAndParse(t *testing.T) {
	for _, m := range []ConflictMode{ConflictRollback, ConflictAbort, ConflictFail, ConflictIgnore, ConflictReplace} {
		got, ok := parseConflictMode(m.String())
		require.True(t, ok, m.String())
		assert.Equal(t, m, got)
	}
	got, ok := parseConflictMode("")
	assert.True(t, ok)
	assert.Equal(t, ConflictNone, got)
	assert.Equal(t, "", ConflictNone.String())

	_, ok = parseConflictMode("merge")
	assert.False(t, ok)
}

func TestValues_PutReplacesInPlace(t *testing.T) {
	var vs Values
	vs.Put("a", Int64(1))
	vs.Put("b", String("x"))
	vs.Put("a", Int64(2))

	assert.Equal(t, []string{"a", "b"}, vs.Columns())
	v, ok := vs.Get("a")
	require.True(t, ok)
	assert.Equal(t, Int64(2), v)
	_, ok = vs.Get("c")
	assert.False(t, ok)
}
