package xtable

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// materializeAll runs every row of rs through m.
func materializeAll[T any](t *testing.T, ctx context.Context, m *modelSpec, rs RowSource, call *callState) []*T {
	t.Helper()
	cur := newCursor(rs)
	mt, err := newMaterializer(getCodec(), m, cur, call)
	require.NoError(t, err)
	var out []*T
	for cur.next() {
		ptr, err := mt.row(ctx, cur)
		require.NoError(t, err)
		out = append(out, ptr.Interface().(*T))
	}
	require.NoError(t, cur.err())
	return out
}

type gatedUser struct {
	Name     string `db:"name"`
	IsPublic bool   `db:"is_public"`
	Secret   string `db:"secret,conditional"`
}

func gatedModel(t *testing.T) *modelSpec {
	t.Helper()
	m, err := buildModel(getCodec(), reflect.TypeFor[gatedUser](), configOf(
		WithCondition("secret", func(u *gatedUser) bool { return u.IsPublic }),
	))
	require.NoError(t, err)
	return m
}

func gatedRows() *fakeRows {
	return newFakeRows([]string{"name", "is_public", "secret"},
		[]any{"ann", true, "s1"},
		[]any{"bob", false, "s2"},
	)
}

func TestMaterialize_ExcludedColumnIsNeverRead(t *testing.T) {
	rs := gatedRows()
	got := materializeAll[gatedUser](t, context.Background(), gatedModel(t), rs, nil)

	require.Len(t, got, 2)
	assert.Equal(t, gatedUser{Name: "ann", IsPublic: true, Secret: "s1"}, *got[0])
	assert.Equal(t, gatedUser{Name: "bob", IsPublic: false}, *got[1])
	assert.Equal(t, []int{0, 1, 2, 0, 1}, rs.readColumns())
}

func TestMaterialize_CallPredicateOverridesModel(t *testing.T) {
	call := &callState{conds: map[string]func(reflect.Value) bool{
		"secret": func(ptr reflect.Value) bool {
			return ptr.Interface().(*gatedUser).Name == "bob"
		},
	}}
	rs := gatedRows()
	got := materializeAll[gatedUser](t, context.Background(), gatedModel(t), rs, call)

	require.Len(t, got, 2)
	assert.Empty(t, got[0].Secret)
	assert.Equal(t, "s2", got[1].Secret)
	assert.Equal(t, []int{0, 1, 0, 1, 2}, rs.readColumns())
}

func TestMaterialize_ConditionalIncludedByDefault(t *testing.T) {
	m, err := buildModel(getCodec(), reflect.TypeFor[gatedUser](), nil)
	require.NoError(t, err)
	got := materializeAll[gatedUser](t, context.Background(), m, gatedRows(), nil)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[1].Secret)
}

func TestMaterialize_MissingColumnsKeepZeroValues(t *testing.T) {
	m, err := buildModel(getCodec(), reflect.TypeFor[testUser](), nil)
	require.NoError(t, err)
	rs := newFakeRows([]string{"NAME"}, []any{"ann"})
	got := materializeAll[testUser](t, context.Background(), m, rs, nil)
	require.Len(t, got, 1)
	assert.Equal(t, testUser{Name: "ann"}, *got[0])
}

func TestMaterialize_Scalar(t *testing.T) {
	m, err := buildModel(getCodec(), reflect.TypeFor[string](), nil)
	require.NoError(t, err)
	rs := newFakeRows([]string{"name", "other"}, []any{"a", 1}, []any{"b", 2})
	got := materializeAll[string](t, context.Background(), m, rs, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", *got[0])
	assert.Equal(t, "b", *got[1])
	assert.Equal(t, []int{0, 0}, rs.readColumns())
}

type ctxKey struct{}

type doc struct {
	id    int64
	owner string
	body  *Lazy[string]
	tag   any
}

func newDoc(ctx context.Context, id int64, owner string, body *Lazy[string]) *doc {
	return &doc{id: id, owner: owner, body: body, tag: ctx.Value(ctxKey{})}
}

func docModel(t *testing.T) *modelSpec {
	t.Helper()
	m, err := buildModel(getCodec(), reflect.TypeFor[doc](), configOf(
		WithConstructor(newDoc, "ctx", "col:id", "param:owner", "col:body"),
	))
	require.NoError(t, err)
	return m
}

func TestMaterialize_ConstructorInjection(t *testing.T) {
	m := docModel(t)
	require.True(t, m.ctor.params[3].lazy)

	rs := newFakeRows([]string{"id", "body"}, []any{int64(1), "hello"}, []any{int64(2), "world"})
	cur := newCursor(rs)
	call := &callState{params: map[string]reflect.Value{"owner": reflect.ValueOf("ann")}}
	mt, err := newMaterializer(getCodec(), m, cur, call)
	require.NoError(t, err)
	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")

	require.True(t, cur.next())
	ptr, err := mt.row(ctx, cur)
	require.NoError(t, err)
	d1 := ptr.Interface().(*doc)
	assert.Equal(t, int64(1), d1.id)
	assert.Equal(t, "ann", d1.owner)
	assert.Equal(t, "marker", d1.tag)
	assert.Equal(t, []int{0}, rs.readColumns(), "lazy column read too early")

	body, err := d1.body.Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", body)

	require.True(t, cur.next())
	ptr, err = mt.row(ctx, cur)
	require.NoError(t, err)
	d2 := ptr.Interface().(*doc)

	// Already read: cached after the row moved on.
	body, err = d1.body.Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", body)

	require.False(t, cur.next())
	_, err = d2.body.Get()
	assert.ErrorIs(t, err, ErrStaleRead)
	assert.Equal(t, []int{0, 1, 0}, rs.readColumns())
}

func TestMaterialize_LazyStaleAfterClose(t *testing.T) {
	rs := newFakeRows([]string{"id", "body"}, []any{int64(1), "x"})
	cur := newCursor(rs)
	mt, err := newMaterializer(getCodec(), docModel(t), cur, nil)
	require.NoError(t, err)

	require.True(t, cur.next())
	ptr, err := mt.row(context.Background(), cur)
	require.NoError(t, err)
	d := ptr.Interface().(*doc)
	assert.Empty(t, d.owner, "absent parameter is the zero value")

	require.NoError(t, cur.close())
	_, err = d.body.Get()
	assert.ErrorIs(t, err, ErrStaleRead)
}

func TestMaterialize_MissingConstructorColumn(t *testing.T) {
	cur := newCursor(newFakeRows([]string{"id"}, []any{int64(1)}))
	_, err := newMaterializer(getCodec(), docModel(t), cur, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"body"`)
}

func TestMaterialize_ConstructorError(t *testing.T) {
	type checked struct{ N int64 }
	fail := func(n int64) (*checked, error) {
		if n < 0 {
			return nil, assert.AnError
		}
		return &checked{N: n}, nil
	}
	m, err := buildModel(getCodec(), reflect.TypeFor[checked](), configOf(WithConstructor(fail, "col:n")))
	require.NoError(t, err)

	cur := newCursor(newFakeRows([]string{"n"}, []any{int64(-1)}))
	mt, err := newMaterializer(getCodec(), m, cur, nil)
	require.NoError(t, err)
	require.True(t, cur.next())
	_, err = mt.row(context.Background(), cur)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestModelPlan_CachedPerColumnSet(t *testing.T) {
	m, err := buildModel(getCodec(), reflect.TypeFor[testUser](), nil)
	require.NoError(t, err)

	p1, err := m.plan([]string{"id", "name"})
	require.NoError(t, err)
	p2, err := m.plan([]string{"ID", `"Name"`})
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, []int{0, 1, -1}, p1.fields)
	assert.Equal(t, []int{-1}, p1.optional)

	p3, err := m.plan([]string{"name", "id"})
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, []int{1, 0, -1}, p3.fields)

	_, err = m.plan(nil)
	assert.Error(t, err)
}
