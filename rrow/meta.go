package rrow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownType    = errors.New("unknown value type")
	ErrFieldNotFound  = errors.New("field not found")
	ErrDuplicateField = errors.New("duplicate field")
	ErrRowSize        = errors.New("row size does not match row meta")
	ErrValueType      = errors.New("value does not match field type")
	ErrSchemaMismatch = errors.New("row meta mismatch")
)

// RowMeta is the ordered schema of a row. A RowMeta is immutable once
// constructed; every method that changes the layout returns a new RowMeta.
type RowMeta struct {
	fields []ValueMeta
	index  map[string]int
}

// NewRowMeta builds a RowMeta from fields. Field names must be unique.
func NewRowMeta(fields ...ValueMeta) (*RowMeta, error) {
	m := &RowMeta{
		fields: make([]ValueMeta, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, exists := m.index[f.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		m.fields[i] = f
		m.index[f.Name] = i
	}
	return m, nil
}

// MustRowMeta is like NewRowMeta but panics on error.
func MustRowMeta(fields ...ValueMeta) *RowMeta {
	m, err := NewRowMeta(fields...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *RowMeta) Size() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

func (m *RowMeta) Field(i int) ValueMeta {
	return m.fields[i]
}

// Fields returns a copy of the field descriptors.
func (m *RowMeta) Fields() []ValueMeta {
	if m == nil {
		return nil
	}
	out := make([]ValueMeta, len(m.fields))
	copy(out, m.fields)
	return out
}

// FieldNames returns the field names in order.
func (m *RowMeta) FieldNames() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.fields))
	for i, f := range m.fields {
		names[i] = f.Name
	}
	return names
}

// IndexOf returns the position of the named field, or -1.
func (m *RowMeta) IndexOf(name string) int {
	if m == nil {
		return -1
	}
	if i, ok := m.index[name]; ok {
		return i
	}
	return -1
}

// Lookup is like IndexOf but returns ErrFieldNotFound.
func (m *RowMeta) Lookup(name string) (int, error) {
	i := m.IndexOf(name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return i, nil
}

// Append returns a new RowMeta with fields added at the end.
func (m *RowMeta) Append(fields ...ValueMeta) (*RowMeta, error) {
	all := append(m.Fields(), fields...)
	return NewRowMeta(all...)
}

// Compatible reports whether both schemas have the same field names and types
// in the same order. Length and precision are ignored.
func (m *RowMeta) Compatible(other *RowMeta) bool {
	if m.Size() != other.Size() {
		return false
	}
	for i := 0; i < m.Size(); i++ {
		a, b := m.fields[i], other.fields[i]
		if a.Name != b.Name || a.Type != b.Type {
			return false
		}
	}
	return true
}

// Validate checks that row is positionally aligned with the schema.
func (m *RowMeta) Validate(row Row) error {
	if len(row) != m.Size() {
		return fmt.Errorf("%w: row has %d values, meta has %d fields", ErrRowSize, len(row), m.Size())
	}
	for i, v := range row {
		f := m.fields[i]
		if !f.Type.Accepts(v) {
			return fmt.Errorf("%w: field %q is %s, got %T", ErrValueType, f.Name, f.Type, v)
		}
	}
	return nil
}

// Get returns the value of the named field in row.
func (m *RowMeta) Get(row Row, name string) (any, error) {
	i, err := m.Lookup(name)
	if err != nil {
		return nil, err
	}
	if i >= len(row) {
		return nil, fmt.Errorf("%w: field %q at %d", ErrRowSize, name, i)
	}
	return row[i], nil
}

// Format renders a row as "name=value, ..." for log lines.
func (m *RowMeta) Format(row Row) string {
	var sb strings.Builder
	for i, f := range m.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		if i < len(row) {
			sb.WriteString(f.Format(row[i]))
		}
	}
	return sb.String()
}

func (m *RowMeta) String() string {
	if m == nil {
		return "[]"
	}
	parts := make([]string, len(m.fields))
	for i, f := range m.fields {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
