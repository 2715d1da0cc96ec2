// Package partition maps rows to partitions of a partition schema and
// partitions to the step copies that own them.
package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrNoPartitions = errors.New("partition schema has no partitions")
	ErrUnknownID    = errors.New("value matches no partition id")
	ErrUnhashable   = errors.New("value cannot be hashed")
)

// Type tags keep values of different types with equal bytes apart.
const (
	tagString byte = iota + 1
	tagInteger
	tagNumber
	tagBoolean
	tagDate
	tagBinary
)

// Hash returns a stable 64 bit hash of a field value. Equal values always
// hash equally, across processes and runs.
func Hash(v any) (uint64, error) {
	var buf [9]byte
	d := xxhash.New()
	switch x := v.(type) {
	case string:
		_, _ = d.Write([]byte{tagString})
		_, _ = d.WriteString(x)
	case int64:
		buf[0] = tagInteger
		binary.BigEndian.PutUint64(buf[1:], uint64(x))
		_, _ = d.Write(buf[:])
	case float64:
		switch {
		case x == 0:
			// -0 equals +0.
			x = 0
		case math.IsNaN(x):
			x = math.NaN()
		}
		buf[0] = tagNumber
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(x))
		_, _ = d.Write(buf[:])
	case bool:
		buf[0] = tagBoolean
		if x {
			buf[1] = 1
		}
		_, _ = d.Write(buf[:2])
	case time.Time:
		// Seconds and nanoseconds cover the full time range; UnixNano
		// overflows outside the years 1678 to 2262.
		var date [13]byte
		date[0] = tagDate
		binary.BigEndian.PutUint64(date[1:], uint64(x.Unix()))
		binary.BigEndian.PutUint32(date[9:], uint32(x.Nanosecond()))
		_, _ = d.Write(date[:])
	case []byte:
		_, _ = d.Write([]byte{tagBinary})
		_, _ = d.Write(x)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnhashable, v)
	}
	return d.Sum64(), nil
}

// Partitioner assigns a row to a partition index of a schema.
type Partitioner interface {
	Partition(meta *rrow.RowMeta, row rrow.Row) (int, error)
}

// New returns the partitioner for a node's partitioning, bound to the
// expanded schema.
func New(p rdag.Partitioning, schema rdag.PartitionSchema) (Partitioner, error) {
	if schema.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPartitions, schema.Name)
	}
	switch p.Method {
	case rdag.PartitionMod:
		return &ModPartitioner{field: p.Field, n: schema.Size()}, nil
	case rdag.PartitionLookup:
		index := make(map[string]int, schema.Size())
		for i, id := range schema.IDs {
			index[id] = i
		}
		return &LookupPartitioner{field: p.Field, index: index}, nil
	default:
		return nil, fmt.Errorf("unsupported partition method %s", p.Method)
	}
}

// fieldCache resolves a field name once per row layout. Each producer copy
// owns its partitioner, so no locking is needed.
type fieldCache struct {
	meta *rrow.RowMeta
	idx  int
}

func (c *fieldCache) value(field string, meta *rrow.RowMeta, row rrow.Row) (any, error) {
	if meta != c.meta {
		idx, err := meta.Lookup(field)
		if err != nil {
			return nil, err
		}
		c.meta, c.idx = meta, idx
	}
	if c.idx >= len(row) {
		return nil, fmt.Errorf("%w: field %q at %d, row has %d values", rrow.ErrRowSize, field, c.idx, len(row))
	}
	return row[c.idx], nil
}

// ModPartitioner places a row in partition hash(field) mod n. Null values go
// to partition 0.
type ModPartitioner struct {
	field string
	n     int
	cache fieldCache
}

func (m *ModPartitioner) Partition(meta *rrow.RowMeta, row rrow.Row) (int, error) {
	v, err := m.cache.value(m.field, meta, row)
	if err != nil {
		return 0, err
	}
	return Mod(v, m.n)
}

// Mod returns hash(v) mod n.
func Mod(v any, n int) (int, error) {
	if v == nil {
		return 0, nil
	}
	h, err := Hash(v)
	if err != nil {
		return 0, err
	}
	return int(h % uint64(n)), nil
}

// LookupPartitioner places a row in the partition whose id equals the
// field's formatted value.
type LookupPartitioner struct {
	field string
	index map[string]int
	cache fieldCache
}

func (l *LookupPartitioner) Partition(meta *rrow.RowMeta, row rrow.Row) (int, error) {
	v, err := l.cache.value(l.field, meta, row)
	if err != nil {
		return 0, err
	}
	key := meta.Field(l.cache.idx).Format(v)
	p, ok := l.index[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownID, key)
	}
	return p, nil
}

// Table maps partition indices to owning copies. Partition p is owned by
// copy p mod copies. It is built once while a run is prepared.
type Table struct {
	schema rdag.PartitionSchema
	copies int
}

func NewTable(schema rdag.PartitionSchema, copies int) (*Table, error) {
	if schema.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPartitions, schema.Name)
	}
	if copies < 1 {
		copies = 1
	}
	return &Table{schema: schema, copies: copies}, nil
}

// Owner returns the copy owning partition p.
func (t *Table) Owner(p int) int {
	return p % t.copies
}

// Partitions returns the ids owned by copy.
func (t *Table) Partitions(copyNr int) []string {
	var ids []string
	for i, id := range t.schema.IDs {
		if t.Owner(i) == copyNr {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Table) Schema() rdag.PartitionSchema {
	return t.schema
}

func (t *Table) Copies() int {
	return t.copies
}
