// Package rrow holds the row data model: positional value tuples (Row) and
// their ordered schema (RowMeta).
//
// Values use a fixed set of Go representations:
//
//	String  -> string
//	Integer -> int64
//	Number  -> float64
//	Boolean -> bool
//	Date    -> time.Time
//	Binary  -> []byte
//
// A nil value is null for every type.
package rrow

// Row is an ordered tuple of values, aligned to a RowMeta.
type Row []any

// Clone returns a shallow copy of the row. Binary values are copied as well
// since they are the only mutable representation.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for i, v := range r {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[i] = v
	}
	return out
}

// Extend returns a new row with values appended. The receiver is not modified.
func (r Row) Extend(values ...any) Row {
	out := make(Row, len(r), len(r)+len(values))
	copy(out, r)
	return append(out, values...)
}

// Equal compares rows value by value using meta's type semantics.
func Equal(meta *RowMeta, a, b Row) bool {
	if len(a) != len(b) || len(a) != meta.Size() {
		return false
	}
	for i := range a {
		if !meta.Field(i).Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
