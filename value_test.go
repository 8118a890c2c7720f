package xtable

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnValue_Conversions(t *testing.T) {
	tests := []struct {
		name  string
		v     ColumnValue
		text  string
		lit   string
		num   bool
		asInt int64
	}{
		{"null", Null(), "", "NULL", false, 0},
		{"bool", Bool(true), "1", "1", true, 1},
		{"int32", Int32(-7), "-7", "-7", true, -7},
		{"int64", Int64(1 << 40), "1099511627776", "1099511627776", true, 1 << 40},
		{"float64", Float64(2.5), "2.5", "2.5", true, 2},
		{"string", String("it's"), "it's", "'it''s'", false, 0},
		{"numeric string", String("42"), "42", "'42'", false, 42},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.text, tc.v.Text())
			assert.Equal(t, tc.lit, tc.v.Literal())
			assert.Equal(t, tc.num, tc.v.IsNumeric())
			if tc.v.Kind() == KindString && tc.asInt == 0 {
				_, err := tc.v.Int()
				assert.ErrorIs(t, err, ErrCodec)
				return
			}
			n, err := tc.v.Int()
			require.NoError(t, err)
			assert.Equal(t, tc.asInt, n)
		})
	}
}

func TestColumnValue_Bool(t *testing.T) {
	for _, tc := range []struct {
		v    ColumnValue
		want bool
	}{
		{Int64(0), false},
		{Int32(3), true},
		{Float64(0.5), true},
		{String("true"), true},
		{String("0"), false},
		{Null(), false},
	} {
		got, err := tc.v.Bool()
		require.NoError(t, err, tc.v.String())
		assert.Equal(t, tc.want, got, tc.v.String())
	}
	_, err := String("maybe").Bool()
	assert.ErrorIs(t, err, ErrCodec)
}

func TestColumnValue_Equivalent(t *testing.T) {
	assert.True(t, Int32(5).Equivalent(Int64(5)))
	assert.True(t, Bool(true).Equivalent(Int64(1)))
	assert.True(t, Float32(1.5).Equivalent(Float64(1.5)))
	assert.True(t, Float64(math.NaN()).Equivalent(Float64(math.NaN())))
	assert.True(t, Bytes([]byte{1, 2}).Equivalent(Opaque([]byte{1, 2})))
	assert.True(t, Null().Equivalent(Null()))

	assert.False(t, Null().Equivalent(Int64(0)))
	assert.False(t, String("1").Equivalent(Int64(1)))
	assert.False(t, Int64(1).Equivalent(Float64(1)))
}

func TestColumnValue_Blob(t *testing.T) {
	assert.Nil(t, Null().Blob())
	assert.Equal(t, []byte("12"), Int64(12).Blob())
	assert.Equal(t, []byte{9}, Opaque([]byte{9}).Blob())
}

func TestFromDriver(t *testing.T) {
	buf := []byte("abc")
	cv, err := FromDriver(buf)
	require.NoError(t, err)
	buf[0] = 'x'
	assert.Equal(t, []byte("abc"), cv.Blob(), "driver buffers must be copied")

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cv, err = FromDriver(ts)
	require.NoError(t, err)
	assert.Equal(t, String("2024-05-01T10:00:00Z"), cv)

	for in, want := range map[any]ColumnValue{
		nil:          Null(),
		int64(3):     Int64(3),
		float64(1.5): Float64(1.5),
		true:         Bool(true),
		"s":          String("s"),
	} {
		got, err := FromDriver(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = FromDriver(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
