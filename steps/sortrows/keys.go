package sortrows

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/birdayz/rowflow/rrow"
)

const (
	markerNull    byte = 0x00
	markerNotNull byte = 0x01

	escape     byte = 0x00
	escaped00  byte = 0xff
	terminator byte = 0x01
)

// appendKey appends an order preserving encoding of v to buf. Nulls sort
// first. Descending keys are the bitwise complement of the ascending
// encoding.
func appendKey(buf []byte, v any, descending bool) ([]byte, error) {
	start := len(buf)
	if v == nil {
		buf = append(buf, markerNull)
	} else {
		buf = append(buf, markerNotNull)
		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	if descending {
		for i := start; i < len(buf); i++ {
			buf[i] = ^buf[i]
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case int64:
		return binary.BigEndian.AppendUint64(buf, uint64(x)^(1<<63)), nil
	case float64:
		bits := math.Float64bits(x)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(buf, bits), nil
	case bool:
		if x {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case time.Time:
		buf = binary.BigEndian.AppendUint64(buf, uint64(x.Unix())^(1<<63))
		return binary.BigEndian.AppendUint32(buf, uint32(x.Nanosecond())), nil
	case string:
		return appendBytes(buf, []byte(x)), nil
	case []byte:
		return appendBytes(buf, x), nil
	default:
		return nil, fmt.Errorf("cannot sort on %T", v)
	}
}

// appendBytes escapes 0x00 so that a shorter value sorts before any value
// it is a prefix of.
func appendBytes(buf, b []byte) []byte {
	for _, c := range b {
		if c == escape {
			buf = append(buf, escape, escaped00)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, escape, terminator)
}

// rowKey builds the store key of a row: the sort fields followed by the
// arrival sequence, which keeps the sort stable and the keys unique.
func rowKey(buf []byte, keys []sortKey, row rrow.Row, seq uint64) ([]byte, error) {
	buf = buf[:0]
	for _, k := range keys {
		if k.index < 0 || k.index >= len(row) {
			return nil, fmt.Errorf("field %s: row has %d values, need index %d", k.name, len(row), k.index)
		}
		var err error
		buf, err = appendKey(buf, row[k.index], k.descending)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k.name, err)
		}
	}
	return binary.BigEndian.AppendUint64(buf, seq), nil
}
