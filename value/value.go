// Package value implements the immutable typed values held by process
// variables.
//
// A Value pairs a scalar of one Kind with pass-through alarm metadata and a
// timestamp. Values are never mutated after construction; every update to a
// process variable replaces the whole Value.
package value

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind describes the scalar type stored inside a value.
type Kind string

const (
	// KindInvalid marks the zero Value.
	KindInvalid Kind = ""
	// KindInt represents signed 64 bit integers.
	KindInt Kind = "int"
	// KindFloat represents 64 bit floating point numbers.
	KindFloat Kind = "float"
	// KindString represents plain UTF-8 strings.
	KindString Kind = "string"
	// KindBool represents boolean values.
	KindBool Kind = "bool"
	// KindDecimal represents arbitrary precision decimal numbers.
	KindDecimal Kind = "decimal"
)

// Kinds lists every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindInt, KindFloat, KindString, KindBool, KindDecimal}
}

// ParseKind normalises the textual representation of a kind. Short names
// such as "str" and "double" are accepted as aliases.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "int", "integer", "i":
		return KindInt, nil
	case "float", "double", "number", "d":
		return KindFloat, nil
	case "str", "string", "s":
		return KindString, nil
	case "bool", "boolean", "?":
		return KindBool, nil
	case "decimal":
		return KindDecimal, nil
	default:
		return KindInvalid, fmt.Errorf("unknown value kind %q", raw)
	}
}

// Alarm carries the alarm fields attached to a value. They are passed
// through untouched; no severity policy is applied.
type Alarm struct {
	Severity int    `json:"severity"`
	Status   int    `json:"status"`
	Message  string `json:"message,omitempty"`
}

// Value is an immutable typed scalar with alarm and timestamp metadata.
type Value struct {
	kind  Kind
	raw   interface{}
	alarm Alarm
	ts    time.Time
}

// Kind reports the kind of the value. The zero Value reports KindInvalid.
func (v Value) Kind() Kind { return v.kind }

// Valid reports whether the value was produced by a Type.
func (v Value) Valid() bool { return v.kind != KindInvalid }

// Alarm returns the alarm metadata.
func (v Value) Alarm() Alarm { return v.alarm }

// Timestamp returns the timestamp attached to the value, if any.
func (v Value) Timestamp() time.Time { return v.ts }

// Interface returns the underlying Go value: int64, float64, string, bool or
// decimal.Decimal.
func (v Value) Interface() interface{} { return v.raw }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) {
	i, ok := v.raw.(int64)
	return i, ok && v.kind == KindInt
}

// Float returns the floating point payload.
func (v Value) Float() (float64, bool) {
	f, ok := v.raw.(float64)
	return f, ok && v.kind == KindFloat
}

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok && v.kind == KindString
}

// Bool returns the boolean payload.
func (v Value) Bool() (bool, bool) {
	b, ok := v.raw.(bool)
	return b, ok && v.kind == KindBool
}

// Decimal returns the decimal payload.
func (v Value) Decimal() (decimal.Decimal, bool) {
	d, ok := v.raw.(decimal.Decimal)
	return d, ok && v.kind == KindDecimal
}

// WithTimestamp returns a copy of v carrying ts.
func (v Value) WithTimestamp(ts time.Time) Value {
	v.ts = ts
	return v
}

// WithAlarm returns a copy of v carrying alarm.
func (v Value) WithAlarm(alarm Alarm) Value {
	v.alarm = alarm
	return v
}

// Equal reports whether both values have the same kind and payload. Metadata
// is ignored.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == KindDecimal {
		a, _ := v.raw.(decimal.Decimal)
		b, _ := other.raw.(decimal.Decimal)
		return a.Equal(b)
	}
	return v.raw == other.raw
}

// String formats the payload.
func (v Value) String() string {
	switch raw := v.raw.(type) {
	case nil:
		return "<invalid>"
	case int64:
		return strconv.FormatInt(raw, 10)
	case float64:
		return strconv.FormatFloat(raw, 'g', -1, 64)
	case string:
		return raw
	case bool:
		return strconv.FormatBool(raw)
	case decimal.Decimal:
		return raw.String()
	default:
		return fmt.Sprint(raw)
	}
}

// Type is a prototype for values of one kind.
type Type struct {
	kind Kind
}

// Scalar returns the prototype for kind.
func Scalar(kind Kind) Type {
	return Type{kind: kind}
}

// Kind returns the kind produced by the prototype.
func (t Type) Kind() Kind { return t.kind }

// Wrap converts raw into a Value of the prototype's kind.
func (t Type) Wrap(raw interface{}) (Value, error) {
	converted, err := convert(t.kind, raw)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: t.kind, raw: converted}, nil
}

// MustWrap is like Wrap but panics on conversion errors. It is intended for
// constants known to be valid.
func (t Type) MustWrap(raw interface{}) Value {
	v, err := t.Wrap(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// Zero returns the zero value of the prototype's kind.
func (t Type) Zero() Value {
	switch t.kind {
	case KindInt:
		return Value{kind: KindInt, raw: int64(0)}
	case KindFloat:
		return Value{kind: KindFloat, raw: float64(0)}
	case KindString:
		return Value{kind: KindString, raw: ""}
	case KindBool:
		return Value{kind: KindBool, raw: false}
	case KindDecimal:
		return Value{kind: KindDecimal, raw: decimal.Zero}
	default:
		return Value{}
	}
}

// Convert re-wraps v as kind, keeping its alarm and timestamp.
func Convert(v Value, kind Kind) (Value, error) {
	if !v.Valid() {
		return Value{}, fmt.Errorf("convert invalid value to %s", kind)
	}
	if v.kind == kind {
		return v, nil
	}
	out, err := Scalar(kind).Wrap(v.raw)
	if err != nil {
		return Value{}, err
	}
	out.alarm = v.alarm
	out.ts = v.ts
	return out, nil
}
