package rrow

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// ValueType is the data type of a single field.
type ValueType int

const (
	TypeNone ValueType = iota
	TypeString
	TypeInteger
	TypeNumber
	TypeBoolean
	TypeDate
	TypeBinary
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "String"
	case TypeInteger:
		return "Integer"
	case TypeNumber:
		return "Number"
	case TypeBoolean:
		return "Boolean"
	case TypeDate:
		return "Date"
	case TypeBinary:
		return "Binary"
	default:
		return "None"
	}
}

// ParseValueType is the inverse of ValueType.String. Matching is case sensitive.
func ParseValueType(s string) (ValueType, error) {
	for t := TypeString; t <= TypeBinary; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Accepts reports whether v is a legal Go representation for this type.
// nil is always accepted and represents a null value.
func (t ValueType) Accepts(v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		_, ok := v.(int64)
		return ok
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeDate:
		_, ok := v.(time.Time)
		return ok
	case TypeBinary:
		_, ok := v.([]byte)
		return ok
	default:
		return false
	}
}

// ValueMeta describes one field of a row.
type ValueMeta struct {
	Name      string
	Type      ValueType
	Length    int
	Precision int
}

// NewValueMeta returns a ValueMeta with unspecified length and precision.
func NewValueMeta(name string, t ValueType) ValueMeta {
	return ValueMeta{Name: name, Type: t, Length: -1, Precision: -1}
}

func (m ValueMeta) String() string {
	if m.Length >= 0 && m.Precision >= 0 {
		return fmt.Sprintf("%s %s(%d, %d)", m.Name, m.Type, m.Length, m.Precision)
	}
	if m.Length >= 0 {
		return fmt.Sprintf("%s %s(%d)", m.Name, m.Type, m.Length)
	}
	return fmt.Sprintf("%s %s", m.Name, m.Type)
}

// Format renders v for logs and text output. Null renders as an empty string.
func (m ValueMeta) Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if m.Precision >= 0 {
			return strconv.FormatFloat(x, 'f', m.Precision, 64)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "Y"
		}
		return "N"
	case time.Time:
		return x.Format("2006/01/02 15:04:05.000")
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return fmt.Sprint(x)
	}
}

// Equal compares two values of this field's type. Two nulls are equal.
func (m ValueMeta) Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	default:
		return a == b
	}
}
