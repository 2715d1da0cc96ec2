package rdag

import (
	"fmt"
	"strings"
)

// NodeID is a strongly-typed identifier for graph nodes (steps).
// NodeIDs must be non-empty and cannot contain whitespace.
type NodeID string

// Validate checks if the NodeID is valid.
// Returns ErrInvalidNodeID if the ID is empty or contains whitespace.
func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: NodeID cannot be empty", ErrInvalidNodeID)
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		return fmt.Errorf("%w: NodeID %q cannot contain whitespace", ErrInvalidNodeID, id)
	}
	return nil
}

// NodeIndex is a handle into Graph's node arena.
type NodeIndex int

// HopIndex is a handle into Graph's hop arena.
type HopIndex int

// DistributionMode decides what happens to a row when a node has more than
// one normal outgoing hop.
type DistributionMode int

const (
	// DistributeRows sends each row to exactly one hop, round robin.
	DistributeRows DistributionMode = iota
	// CopyRows sends a copy of each row to every hop.
	CopyRows
)

func (m DistributionMode) String() string {
	switch m {
	case DistributeRows:
		return "distribute"
	case CopyRows:
		return "copy"
	default:
		return "unknown"
	}
}

// PartitionMethod selects how a partition id is derived from a row.
type PartitionMethod int

const (
	PartitionNone PartitionMethod = iota
	// PartitionMod hashes a field and takes the remainder by the partition count.
	PartitionMod
	// PartitionLookup treats the field value as a partition id.
	PartitionLookup
)

func (m PartitionMethod) String() string {
	switch m {
	case PartitionNone:
		return "none"
	case PartitionMod:
		return "mod"
	case PartitionLookup:
		return "lookup"
	default:
		return "unknown"
	}
}

// Partitioning describes how rows arriving at a node are assigned to its copies.
type Partitioning struct {
	Schema string
	Method PartitionMethod
	Field  string
}

// Enabled reports whether the node is partitioned.
func (p Partitioning) Enabled() bool {
	return p.Method != PartitionNone
}

// Default field names appended to rows sent over an error hop.
const (
	DefaultErrorCountField       = "error_count"
	DefaultErrorDescriptionField = "error_description"
	DefaultErrorFieldsField      = "error_fields"
	DefaultErrorCodesField       = "error_codes"
)

// ErrorHandling configures the rows a node emits on its error hop.
type ErrorHandling struct {
	CountField       string
	DescriptionField string
	FieldsField      string
	CodesField       string

	// MaxErrors is the number of error rows tolerated before an error row
	// becomes fatal. Zero means unlimited.
	MaxErrors int64
}

// WithDefaults fills in empty field names.
func (e ErrorHandling) WithDefaults() ErrorHandling {
	if e.CountField == "" {
		e.CountField = DefaultErrorCountField
	}
	if e.DescriptionField == "" {
		e.DescriptionField = DefaultErrorDescriptionField
	}
	if e.FieldsField == "" {
		e.FieldsField = DefaultErrorFieldsField
	}
	if e.CodesField == "" {
		e.CodesField = DefaultErrorCodesField
	}
	return e
}

// Node is the resolved, immutable descriptor of one step.
type Node struct {
	ID      NodeID
	LogicID string

	// Copies is the number of parallel copies. Zero is treated as one.
	Copies int

	Partitioning  Partitioning
	Distribution  DistributionMode
	ErrorHandling ErrorHandling

	// Config is the logic-specific configuration. Its concrete type is
	// determined by LogicID.
	Config any
}

// Hop is a directed edge between two nodes.
type Hop struct {
	From    NodeID
	To      NodeID
	Enabled bool

	// Error marks the hop that receives rows the source node flags as erroneous.
	Error bool

	// RowSetSize overrides the run's channel capacity for this hop. Zero
	// means use the run default.
	RowSetSize int
}

func (h Hop) String() string {
	s := string(h.From) + " -> " + string(h.To)
	if h.Error {
		s += " (error)"
	}
	if !h.Enabled {
		s += " (disabled)"
	}
	return s
}

// Graph is a validated, immutable transformation graph. Nodes, hops and
// partition schemas live in flat arenas and refer to each other by index.
// A Graph is safe for concurrent use.
type Graph struct {
	name string

	nodes   []Node
	hops    []Hop
	schemas []PartitionSchema

	nodeIndex   map[NodeID]NodeIndex
	schemaIndex map[string]int

	// Enabled hops only.
	outgoing [][]HopIndex
	incoming [][]HopIndex
}

func (g *Graph) Name() string {
	return g.name
}

func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

func (g *Graph) Node(i NodeIndex) Node {
	return g.nodes[i]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Lookup returns the index of the node with the given id.
func (g *Graph) Lookup(id NodeID) (NodeIndex, bool) {
	i, ok := g.nodeIndex[id]
	return i, ok
}

func (g *Graph) NumHops() int {
	return len(g.hops)
}

func (g *Graph) Hop(i HopIndex) Hop {
	return g.hops[i]
}

// Hops returns all hops, including disabled ones, in insertion order.
func (g *Graph) Hops() []Hop {
	out := make([]Hop, len(g.hops))
	copy(out, g.hops)
	return out
}

// Outgoing returns the enabled hops leaving the node, error hop included.
func (g *Graph) Outgoing(i NodeIndex) []HopIndex {
	return g.outgoing[i]
}

// Incoming returns the enabled hops entering the node.
func (g *Graph) Incoming(i NodeIndex) []HopIndex {
	return g.incoming[i]
}

// ErrorHop returns the enabled error hop leaving the node, if any.
func (g *Graph) ErrorHop(i NodeIndex) (HopIndex, bool) {
	for _, h := range g.outgoing[i] {
		if g.hops[h].Error {
			return h, true
		}
	}
	return -1, false
}

// PartitionSchema returns the schema registered under name.
func (g *Graph) PartitionSchema(name string) (PartitionSchema, bool) {
	i, ok := g.schemaIndex[name]
	if !ok {
		return PartitionSchema{}, false
	}
	return g.schemas[i].clone(), true
}

// PartitionSchemas returns all registered schemas.
func (g *Graph) PartitionSchemas() []PartitionSchema {
	out := make([]PartitionSchema, len(g.schemas))
	for i, s := range g.schemas {
		out[i] = s.clone()
	}
	return out
}

// TopologicalOrder returns node indices such that every node comes after all
// of its enabled predecessors. Ties keep insertion order.
func (g *Graph) TopologicalOrder() []NodeIndex {
	order, _ := g.topologicalSort()
	return order
}
