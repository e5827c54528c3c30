package value

import (
	"math"
	"net/netip"
	"testing"

	"github.com/migadu/policyd/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) Value {
	return Address(netip.MustParseAddr(s))
}

func sampleValues() []Value {
	return []Value{
		Absent,
		Int(0), Int(42), Int(-7),
		Float(0), Float(2.5), Float(-1e300), Float(math.NaN()),
		String(""), String("abc"), String("12"), String("2.5"), String("192.0.2.1"),
		addr("192.0.2.1"), addr("2001:db8::1"),
		List(), List(Int(1), String("x")),
		TableValue(NewTable()),
	}
}

func TestCastIdempotent(t *testing.T) {
	kinds := []Kind{KindInt, KindFloat, KindString, KindAddress, KindList, KindTable}
	for _, v := range sampleValues() {
		for _, k := range kinds {
			once, err := Cast(k, v)
			if err != nil {
				assert.ErrorIs(t, err, consts.ErrTypeMismatch, "cast %s to %s", v, k)
				continue
			}
			twice, err := Cast(k, once)
			require.NoError(t, err)
			assert.True(t, Identical(once, twice), "cast %s to %s twice", v, k)
		}
	}
}

func TestCast(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		in   Value
		want Value
		fail bool
	}{
		{"exact float to int", KindInt, Float(3), Int(3), false},
		{"fractional float to int", KindInt, Float(3.5), Absent, true},
		{"nan to int", KindInt, Float(math.NaN()), Absent, true},
		{"int to float", KindFloat, Int(-12), Float(-12), false},
		{"huge int to float", KindFloat, Int(1<<53 + 1), Absent, true},
		{"string to int", KindInt, String(" 17 "), Int(17), false},
		{"float string to int", KindInt, String("4.0"), Int(4), false},
		{"bad string to int", KindInt, String("x"), Absent, true},
		{"string to float", KindFloat, String("0.25"), Float(0.25), false},
		{"int to string", KindString, Int(5), String("5"), false},
		{"float to string", KindString, Float(0.5), String("0.5"), false},
		{"address to string", KindString, addr("2001:db8::1"), String("2001:db8::1"), false},
		{"string to address", KindAddress, String("[192.0.2.7]"), addr("192.0.2.7"), false},
		{"smtp ipv6 literal", KindAddress, String("[IPv6:2001:db8::2]"), addr("2001:db8::2"), false},
		{"mapped v4", KindAddress, String("::ffff:192.0.2.9"), addr("192.0.2.9"), false},
		{"bad address", KindAddress, String("example.com"), Absent, true},
		{"list to string", KindString, List(Int(1)), Absent, true},
		{"absent to int", KindInt, Absent, Absent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cast(tt.kind, tt.in)
			if tt.fail {
				assert.ErrorIs(t, err, consts.ErrTypeMismatch)
				return
			}
			require.NoError(t, err)
			assert.True(t, Identical(tt.want, got), "got %s want %s", got, tt.want)
		})
	}
}

func TestCompareReflexiveAndAntisymmetric(t *testing.T) {
	values := sampleValues()
	for _, a := range values {
		if a.Kind() == KindTable {
			continue
		}
		c, err := Compare(a, a)
		require.NoError(t, err, "compare %s with itself", a)
		assert.Equal(t, 0, c, "compare %s with itself", a)
	}
	for _, a := range values {
		for _, b := range values {
			ab, errAB := Compare(a, b)
			ba, errBA := Compare(b, a)
			if errAB != nil {
				assert.ErrorIs(t, errAB, consts.ErrTypeMismatch)
				assert.Error(t, errBA, "comparability must be symmetric for %s, %s", a, b)
				continue
			}
			require.NoError(t, errBA)
			assert.Equal(t, ab, -ba, "compare(%s, %s)", a, b)
		}
	}
}

func TestCompare(t *testing.T) {
	lt := func(a, b Value) {
		t.Helper()
		c, err := Compare(a, b)
		require.NoError(t, err)
		assert.Equal(t, -1, c, "%s < %s", a, b)
	}
	lt(Int(1), Float(1.5))
	lt(Float(-0.5), Int(0))
	lt(Int(math.MaxInt64-1), Int(math.MaxInt64))
	lt(Int(math.MaxInt64), Float(math.Pow(2, 63)))
	lt(String("abc"), String("abd"))
	lt(addr("10.0.0.1"), addr("10.0.0.2"))
	lt(addr("255.255.255.255"), addr("::1"))
	lt(List(Int(1), Int(2)), List(Int(1), Int(3)))
	lt(List(Int(1)), List(Int(1), Int(0)))

	c, err := Compare(Int(2), Float(2))
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	_, err = Compare(String("1"), Int(1))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
	_, err = Compare(Absent, Int(1))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
	_, err = Compare(TableValue(NewTable()), TableValue(NewTable()))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
}

func TestEqualAbsent(t *testing.T) {
	eq, err := Equal(Absent, Absent)
	require.NoError(t, err)
	assert.True(t, eq)

	eq, err = Equal(Absent, String(""))
	require.NoError(t, err)
	assert.False(t, eq)

	eq, err = Equal(Int(0), Absent)
	require.NoError(t, err)
	assert.False(t, eq)

	_, err = Equal(String("a"), Int(1))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
}

func TestTruth(t *testing.T) {
	assert.False(t, Truth(Absent))
	assert.False(t, Truth(Int(0)))
	assert.True(t, Truth(Int(-1)))
	assert.False(t, Truth(Float(0)))
	assert.True(t, Truth(Float(0.1)))
	assert.False(t, Truth(String("")))
	assert.True(t, Truth(String("0")))
	assert.False(t, Truth(List()))
	assert.True(t, Truth(List(Absent)))
	assert.False(t, Truth(TableValue(NewTable())))
	assert.True(t, Truth(addr("0.0.0.0")))
}

func TestArith(t *testing.T) {
	v, err := Arith(OpAdd, Int(2), Int(3))
	require.NoError(t, err)
	assert.True(t, Identical(Int(5), v))

	v, err = Arith(OpMul, Int(2), Float(1.5))
	require.NoError(t, err)
	assert.True(t, Identical(Float(3), v))

	v, err = Arith(OpDiv, Int(7), Int(2))
	require.NoError(t, err)
	assert.True(t, Identical(Int(3), v))

	v, err = Arith(OpMod, Int(-7), Int(3))
	require.NoError(t, err)
	assert.True(t, Identical(Int(-1), v))

	v, err = Arith(OpAdd, String("foo"), String("bar"))
	require.NoError(t, err)
	assert.True(t, Identical(String("foobar"), v))

	// Only strings concatenate.
	_, err = Arith(OpAdd, List(Int(1)), List(Int(2)))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
	_, err = Arith(OpAdd, String("n="), Int(1))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)

	for _, tc := range []struct {
		op   Op
		a, b Value
	}{
		{OpDiv, Int(1), Int(0)},
		{OpMod, Int(1), Int(0)},
		{OpDiv, Float(1), Float(0)},
		{OpMod, Float(1), Int(0)},
		{OpAdd, Int(math.MaxInt64), Int(1)},
		{OpSub, Int(math.MinInt64), Int(1)},
		{OpMul, Int(math.MaxInt64), Int(2)},
		{OpDiv, Int(math.MinInt64), Int(-1)},
	} {
		_, err := Arith(tc.op, tc.a, tc.b)
		assert.ErrorIs(t, err, consts.ErrArithmetic, "%s %c %s", tc.a, tc.op, tc.b)
	}

	_, err = Arith(OpSub, String("a"), Int(1))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)
	_, err = Arith(OpAdd, addr("192.0.2.1"), Int(1))
	assert.ErrorIs(t, err, consts.ErrTypeMismatch)

	_, err = Negate(Int(math.MinInt64))
	assert.ErrorIs(t, err, consts.ErrArithmetic)
	n, err := Negate(Float(2))
	require.NoError(t, err)
	assert.True(t, Identical(Float(-2), n))
}

func TestTablePromotionCopies(t *testing.T) {
	inner := NewTable()
	inner.Set("n", Int(1))

	outer := NewTable()
	outer.Set("inner", TableValue(inner))

	inner.Set("n", Int(2))
	got, ok := outer.Get("inner").AsTable()
	require.True(t, ok)
	assert.True(t, Identical(Int(1), got.Get("n")), "stored table must be an independent copy")

	cp := Copy(TableValue(outer))
	cpt, _ := cp.AsTable()
	innerCopy, _ := cpt.Get("inner").AsTable()
	innerCopy.Set("n", Int(99))
	orig, _ := outer.Get("inner").AsTable()
	assert.True(t, Identical(Int(1), orig.Get("n")), "Copy must be deep")
}

func TestTableOrder(t *testing.T) {
	tbl := NewTable()
	tbl.Set("b", Int(1))
	tbl.Set("a", Int(2))
	tbl.Set("c", Int(3))
	tbl.Set("a", Int(4))
	assert.Equal(t, []string{"b", "a", "c"}, tbl.Keys())

	assert.True(t, tbl.Delete("b"))
	assert.False(t, tbl.Delete("b"))
	assert.Equal(t, []string{"a", "c"}, tbl.Keys())

	tbl.Set("c", Absent)
	assert.Equal(t, []string{"a"}, tbl.Keys())
	assert.True(t, tbl.Get("missing").IsAbsent())
}

func TestJSONRoundTrip(t *testing.T) {
	tbl := NewTable()
	tbl.Set("client", addr("192.0.2.1"))
	tbl.Set("deadline", Int(1700000000))
	tbl.Set("ratio", Float(2))
	tbl.Set("sender", String("a@example.com"))
	tbl.Set("tags", List(String("x"), Int(1), Float(math.Inf(1))))
	nested := NewTable()
	nested.Set("k", String("v"))
	tbl.Set("nested", TableValue(nested))

	in := TableValue(tbl)
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, Identical(in, out), "round trip of %s gave %s", in, out)

	ratio, _ := out.AsTable()
	assert.Equal(t, KindFloat, ratio.Get("ratio").Kind(), "float with integral value must stay float")

	absent, err := Decode([]byte("null"))
	require.NoError(t, err)
	assert.True(t, absent.IsAbsent())

	_, err = Decode([]byte(`{"bogus": 1}`))
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, `"a\"b"`, String(`a"b`).String())
	assert.Equal(t, `a"b`, String(`a"b`).Text())
	assert.Equal(t, "2.0", Float(2).String())
	assert.Equal(t, `[1, "x"]`, List(Int(1), String("x")).String())
}
