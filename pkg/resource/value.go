// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package resource

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Error is the resource error class.
var Error = errs.Class("resource")

// Kind identifies the declared type of a schema field.
type Kind int

// Field kinds.
const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
	KindTime
)

// String returns the kind name used in schema declarations.
func (kind Kind) String() string {
	switch kind {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// KindFromString parses a kind name.
func KindFromString(name string) (Kind, error) {
	switch name {
	case "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "bool":
		return KindBool, nil
	case "time":
		return KindTime, nil
	default:
		return 0, Error.New("unknown field kind %q", name)
	}
}

// TimeLayout is the canonical wire and storage form for timestamps. The
// fixed-width fraction makes lexicographic order on stored text columns
// agree with chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type valueKind int

const (
	valueNull valueKind = iota
	valueString
	valueNumber
	valueBool
	valueTime
)

// Value is a tagged scalar: string, number, bool, null or timestamp. The
// zero Value is null.
type Value struct {
	kind valueKind
	str  string
	num  float64
	b    bool
	t    time.Time
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{kind: valueString, str: s} }

// NumberValue returns a numeric value.
func NumberValue(n float64) Value { return Value{kind: valueNumber, num: n} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{kind: valueBool, b: b} }

// TimeValue returns a timestamp value in UTC.
func TimeValue(t time.Time) Value { return Value{kind: valueTime, t: t.UTC()} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == valueNull }

// IsString reports whether the value is a string.
func (v Value) IsString() bool { return v.kind == valueString }

// IsNumber reports whether the value is a number.
func (v Value) IsNumber() bool { return v.kind == valueNumber }

// IsBool reports whether the value is a boolean.
func (v Value) IsBool() bool { return v.kind == valueBool }

// IsTime reports whether the value is a timestamp.
func (v Value) IsTime() bool { return v.kind == valueTime }

// Str returns the string content; zero unless IsString.
func (v Value) Str() string { return v.str }

// Num returns the numeric content; zero unless IsNumber.
func (v Value) Num() float64 { return v.num }

// Bool returns the boolean content; zero unless IsBool.
func (v Value) Bool() bool { return v.b }

// Time returns the timestamp content; zero unless IsTime.
func (v Value) Time() time.Time { return v.t }

// Text returns the normalised string form used for membership comparison and
// primary keys: numbers drop insignificant zeros, times use RFC 3339.
func (v Value) Text() string {
	switch v.kind {
	case valueString:
		return v.str
	case valueNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case valueBool:
		return strconv.FormatBool(v.b)
	case valueTime:
		return v.t.Format(TimeLayout)
	default:
		return ""
	}
}

// SQLParam returns the driver-level representation for parameter binding.
func (v Value) SQLParam() interface{} {
	switch v.kind {
	case valueString:
		return v.str
	case valueNumber:
		return v.num
	case valueBool:
		return v.b
	case valueTime:
		return v.t.Format(TimeLayout)
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case valueString:
		return json.Marshal(v.str)
	case valueNumber:
		return json.Marshal(v.num)
	case valueBool:
		return json.Marshal(v.b)
	case valueTime:
		return json.Marshal(v.t.Format(TimeLayout))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Strings parsing as RFC 3339 stay
// strings; schema-aware decoding promotes them to timestamps.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Error.Wrap(err)
	}
	decoded, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// FromInterface converts a decoded JSON scalar into a Value.
func FromInterface(raw interface{}) (Value, error) {
	switch value := raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return StringValue(value), nil
	case float64:
		return NumberValue(value), nil
	case json.Number:
		num, err := value.Float64()
		if err != nil {
			return Value{}, Error.Wrap(err)
		}
		return NumberValue(num), nil
	case bool:
		return BoolValue(value), nil
	case int:
		return NumberValue(float64(value)), nil
	case int64:
		return NumberValue(float64(value)), nil
	case time.Time:
		return TimeValue(value), nil
	default:
		return Value{}, Error.New("unsupported scalar type %T", raw)
	}
}

// Coerce converts the value to the declared field kind where a lossless
// conversion exists: RFC 3339 strings become timestamps for time fields,
// numeric strings become numbers for number fields, numbers become their
// canonical text for string fields, and 0/1 become booleans for bool
// fields. Coercing keeps the SQL and in-memory interpretations of a filter
// literal aligned with the column type.
func (v Value) Coerce(kind Kind) Value {
	if v.IsNull() {
		return v
	}
	switch kind {
	case KindString:
		if v.IsNumber() || v.IsBool() {
			return StringValue(v.Text())
		}
	case KindNumber:
		if v.IsString() {
			if num, err := strconv.ParseFloat(v.str, 64); err == nil {
				return NumberValue(num)
			}
		}
	case KindTime:
		if v.IsString() {
			if t, err := time.Parse(time.RFC3339Nano, v.str); err == nil {
				return TimeValue(t)
			}
			if t, err := time.Parse(time.RFC3339, v.str); err == nil {
				return TimeValue(t)
			}
		}
	case KindBool:
		if v.IsNumber() && (v.num == 0 || v.num == 1) {
			return BoolValue(v.num == 1)
		}
		if v.IsString() && (v.str == "true" || v.str == "false") {
			return BoolValue(v.str == "true")
		}
	}
	return v
}
