package rdag

import "fmt"

// DynamicPartitionPrefix prefixes generated partition ids.
const DynamicPartitionPrefix = "PDyn"

// PartitionSchema is a named, ordered list of partition ids. A dynamic schema
// has no ids of its own until it is expanded for a number of slots.
type PartitionSchema struct {
	Name string
	IDs  []string

	Dynamic bool
	// PartitionsPerSlot is the number of ids generated per slot when the
	// schema is expanded. Values below one are treated as one.
	PartitionsPerSlot int
}

func (ps PartitionSchema) Size() int {
	return len(ps.IDs)
}

// IndexOf returns the position of id, or -1.
func (ps PartitionSchema) IndexOf(id string) int {
	for i, v := range ps.IDs {
		if v == id {
			return i
		}
	}
	return -1
}

// Expand returns a static copy of a dynamic schema holding
// slots*PartitionsPerSlot generated ids. Static schemas are returned as-is.
func (ps PartitionSchema) Expand(slots int) PartitionSchema {
	if !ps.Dynamic {
		return ps.clone()
	}
	if slots < 1 {
		slots = 1
	}
	per := ps.PartitionsPerSlot
	if per < 1 {
		per = 1
	}
	total := slots * per
	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%d", DynamicPartitionPrefix, i)
	}
	return PartitionSchema{Name: ps.Name, IDs: ids}
}

// RetainForSlot returns a copy holding only the ids owned by one executor
// slot: id i is owned by slot i % slotCount.
func (ps PartitionSchema) RetainForSlot(slotCount, slotNumber int) PartitionSchema {
	out := PartitionSchema{Name: ps.Name, Dynamic: ps.Dynamic, PartitionsPerSlot: ps.PartitionsPerSlot}
	if slotCount <= 1 {
		out.IDs = append([]string(nil), ps.IDs...)
		return out
	}
	for i, id := range ps.IDs {
		if i%slotCount == slotNumber {
			out.IDs = append(out.IDs, id)
		}
	}
	return out
}

func (ps PartitionSchema) clone() PartitionSchema {
	ps.IDs = append([]string(nil), ps.IDs...)
	return ps
}

func (ps PartitionSchema) String() string {
	if ps.Dynamic {
		return fmt.Sprintf("%s (dynamic, %d per slot)", ps.Name, ps.PartitionsPerSlot)
	}
	return fmt.Sprintf("%s %v", ps.Name, ps.IDs)
}
