package model

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// ValueType tags the primitive held by a Value.
type ValueType int8

const (
	TypeUnknown ValueType = iota
	TypeInt32
	TypeInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeBytes
	TypeBool
	TypeStorageKey
)

func (t ValueType) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeBool:
		return "bool"
	case TypeStorageKey:
		return "storage_key"
	default:
		return "unknown"
	}
}

// Value is the tagged primitive carried by a field. Int holds both int32
// and int64 payloads; comparisons across the two widths promote to int64.
type Value struct {
	Type  ValueType
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Bool  bool
}

// IntValue constructs an int32-typed value.
func IntValue(v int32) Value { return Value{Type: TypeInt32, Int: int64(v)} }

// LongValue constructs an int64-typed value.
func LongValue(v int64) Value { return Value{Type: TypeInt64, Int: v} }

// FloatValue constructs a float-typed value.
func FloatValue(v float64) Value { return Value{Type: TypeFloat, Float: v} }

// DoubleValue constructs a double-typed value.
func DoubleValue(v float64) Value { return Value{Type: TypeDouble, Float: v} }

// StringValue constructs a string-typed value.
func StringValue(v string) Value { return Value{Type: TypeString, Str: v} }

// BoolValue constructs a bool-typed value.
func BoolValue(v bool) Value { return Value{Type: TypeBool, Bool: v} }

// IsNumericInt reports whether the value holds an integer of either width.
func (v Value) IsNumericInt() bool {
	return v.Type == TypeInt32 || v.Type == TypeInt64
}

// Numeric returns the value as a float64 for aggregation, and whether the
// value is numeric at all.
func (v Value) Numeric() (float64, bool) {
	switch v.Type {
	case TypeInt32, TypeInt64:
		return float64(v.Int), true
	case TypeFloat, TypeDouble:
		return v.Float, true
	case TypeBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Equal reports deep equality with numeric promotion across int widths.
func (v Value) Equal(o Value) bool {
	if v.IsNumericInt() && o.IsNumericInt() {
		return v.Int == o.Int
	}
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeFloat, TypeDouble:
		return v.Float == o.Float
	case TypeString:
		return v.Str == o.Str
	case TypeBool:
		return v.Bool == o.Bool
	case TypeBytes, TypeStorageKey:
		return string(v.Bytes) == string(o.Bytes)
	default:
		return v.Int == o.Int
	}
}

// encode appends a canonical textual form used to build dimension-key and
// primary-key map keys. The form is unambiguous per type and never used
// on the wire.
func (v Value) encode(b []byte) []byte {
	switch v.Type {
	case TypeInt32, TypeInt64:
		b = append(b, 'i')
		b = strconv.AppendInt(b, v.Int, 10)
	case TypeFloat, TypeDouble:
		b = append(b, 'f')
		b = strconv.AppendFloat(b, v.Float, 'g', -1, 64)
	case TypeString:
		b = append(b, 's')
		b = strconv.AppendQuote(b, v.Str)
	case TypeBool:
		b = append(b, 'b')
		if v.Bool {
			b = append(b, '1')
		} else {
			b = append(b, '0')
		}
	case TypeBytes, TypeStorageKey:
		b = append(b, 'x')
		b = append(b, hex.EncodeToString(v.Bytes)...)
	}
	return b
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat, TypeDouble:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeString:
		return v.Str
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeBytes, TypeStorageKey:
		return hex.EncodeToString(v.Bytes)
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}

// ValueAnnotations carries the per-field annotations the engine consumes.
type ValueAnnotations struct {
	// Nested marks a state field whose transitions use ON/OFF depth
	// counting rather than plain overwrite.
	Nested bool
	// PrimaryKey marks a field that participates in the state tracker's
	// primary-key projection.
	PrimaryKey bool
	// ExclusiveState marks the field carrying the atom's state value.
	ExclusiveState bool
	// UIDField marks a field whose integer payload is a uid, enabling
	// package-name matching through the uid map.
	UIDField bool
}

// FieldValue is one addressed, annotated value of a log event.
type FieldValue struct {
	Field       Field
	Value       Value
	Annotations ValueAnnotations
}

func (fv FieldValue) String() string {
	return fv.Field.String() + "=" + fv.Value.String()
}
