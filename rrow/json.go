package rrow

import (
	"fmt"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// MarshalJSON encodes row as a JSON object keyed by field name. Dates are
// RFC 3339 strings and binary values are base64.
func MarshalJSON(meta *RowMeta, row Row) ([]byte, error) {
	if err := meta.Validate(row); err != nil {
		return nil, err
	}
	obj := make(map[string]any, meta.Size())
	for i, f := range meta.fields {
		obj[f.Name] = row[i]
	}
	return json.Marshal(obj, json.Deterministic(true))
}

// UnmarshalJSON decodes a JSON object into a row aligned to meta. Missing
// fields and JSON nulls become null values; unknown keys are ignored.
func UnmarshalJSON(meta *RowMeta, data []byte) (Row, error) {
	var obj map[string]jsontext.Value
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	row := make(Row, meta.Size())
	for i, f := range meta.fields {
		raw, ok := obj[f.Name]
		if !ok || raw.Kind() == 'n' {
			continue
		}
		v, err := decodeValue(f.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", f.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func decodeValue(t ValueType, raw jsontext.Value) (any, error) {
	switch t {
	case TypeString:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case TypeInteger:
		var n int64
		err := json.Unmarshal(raw, &n)
		return n, err
	case TypeNumber:
		var f float64
		err := json.Unmarshal(raw, &f)
		return f, err
	case TypeBoolean:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case TypeDate:
		var d time.Time
		err := json.Unmarshal(raw, &d)
		return d, err
	case TypeBinary:
		var b []byte
		err := json.Unmarshal(raw, &b)
		return b, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, t)
	}
}
