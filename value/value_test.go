package value

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseKindAliases(t *testing.T) {
	cases := map[string]Kind{
		"int":     KindInt,
		"Integer": KindInt,
		"float":   KindFloat,
		"double":  KindFloat,
		"str":     KindString,
		" string": KindString,
		"bool":    KindBool,
		"decimal": KindDecimal,
	}
	for raw, want := range cases {
		got, err := ParseKind(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseKind("struct")
	require.Error(t, err)
}

func TestWrapConvertsCompatibleInputs(t *testing.T) {
	v, err := Scalar(KindInt).Wrap(42)
	require.NoError(t, err)
	i, ok := v.Int()
	require.True(t, ok)
	require.Equal(t, int64(42), i)

	v, err = Scalar(KindFloat).Wrap("1.5")
	require.NoError(t, err)
	f, ok := v.Float()
	require.True(t, ok)
	require.Equal(t, 1.5, f)

	v, err = Scalar(KindInt).Wrap(json.Number("7"))
	require.NoError(t, err)
	require.Equal(t, "7", v.String())

	v, err = Scalar(KindDecimal).Wrap("12.345")
	require.NoError(t, err)
	d, ok := v.Decimal()
	require.True(t, ok)
	require.True(t, d.Equal(decimal.RequireFromString("12.345")))
}

func TestWrapRejectsInvalidInputs(t *testing.T) {
	_, err := Scalar(KindFloat).Wrap(math.NaN())
	require.Error(t, err)
	_, err = Scalar(KindInt).Wrap("forty-two")
	require.Error(t, err)
	_, err = Scalar(KindString).Wrap([]int{1})
	require.Error(t, err)
	_, err = Scalar(Kind("struct")).Wrap(1)
	require.Error(t, err)
}

func TestZeroValues(t *testing.T) {
	for _, kind := range Kinds() {
		zero := Scalar(kind).Zero()
		require.True(t, zero.Valid())
		require.Equal(t, kind, zero.Kind())
	}
	require.False(t, Value{}.Valid())
	require.Equal(t, "<invalid>", Value{}.String())
}

func TestMetadataCopiesLeaveOriginalUntouched(t *testing.T) {
	orig := Scalar(KindString).MustWrap("hello")
	ts := time.Unix(1700000000, 0)
	stamped := orig.WithTimestamp(ts).WithAlarm(Alarm{Severity: 2, Message: "HIHI"})

	require.True(t, orig.Timestamp().IsZero())
	require.Equal(t, Alarm{}, orig.Alarm())
	require.Equal(t, ts, stamped.Timestamp())
	require.Equal(t, 2, stamped.Alarm().Severity)
	require.True(t, orig.Equal(stamped))
}

func TestConvertKeepsMetadata(t *testing.T) {
	ts := time.Unix(10, 0)
	in := Scalar(KindInt).MustWrap(3).WithTimestamp(ts)
	out, err := Convert(in, KindString)
	require.NoError(t, err)
	s, ok := out.Str()
	require.True(t, ok)
	require.Equal(t, "3", s)
	require.Equal(t, ts, out.Timestamp())

	_, err = Convert(Value{}, KindInt)
	require.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
		want interface{}
	}{
		{`12`, KindInt, int64(12)},
		{`-3.5`, KindFloat, -3.5},
		{`"abc"`, KindString, "abc"},
		{`false`, KindBool, false},
	}
	for _, tc := range cases {
		v, err := DecodeJSON([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.kind, v.Kind(), tc.raw)
		require.Equal(t, tc.want, v.Interface(), tc.raw)
	}

	v, err := DecodeJSON([]byte(" null "))
	require.NoError(t, err)
	require.False(t, v.Valid())

	_, err = DecodeJSON([]byte(`[1]`))
	require.Error(t, err)
	_, err = DecodeJSON([]byte(`{`))
	require.Error(t, err)
}
