package rdag

import (
	"errors"
	"fmt"
)

// Builder constructs a transformation graph.
//
// Builder is NOT safe for concurrent use. The resulting Graph is immutable
// and safe to use concurrently.
type Builder struct {
	graph *Graph
	built bool
}

// NewBuilder creates a new graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		graph: &Graph{
			name:        name,
			nodeIndex:   make(map[NodeID]NodeIndex),
			schemaIndex: make(map[string]int),
		},
	}
}

// AddNode registers a node. Copies of zero are normalized to one.
func (b *Builder) AddNode(n Node) error {
	if err := b.checkNotBuilt(); err != nil {
		return err
	}
	if err := n.ID.Validate(); err != nil {
		return err
	}
	if _, exists := b.graph.nodeIndex[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, n.ID)
	}
	if n.Copies < 0 {
		return fmt.Errorf("%w: node %s has %d copies", ErrInvalidTopology, n.ID, n.Copies)
	}
	if n.Copies == 0 {
		n.Copies = 1
	}
	if n.LogicID == "" {
		return fmt.Errorf("%w: node %s has no logic id", ErrInvalidTopology, n.ID)
	}
	n.ErrorHandling = n.ErrorHandling.WithDefaults()

	b.graph.nodeIndex[n.ID] = NodeIndex(len(b.graph.nodes))
	b.graph.nodes = append(b.graph.nodes, n)
	b.graph.outgoing = append(b.graph.outgoing, nil)
	b.graph.incoming = append(b.graph.incoming, nil)
	return nil
}

// MustAddNode is like AddNode but panics on error.
func (b *Builder) MustAddNode(n Node) {
	must(b.AddNode(n))
}

// HopOption customizes a hop added with AddHop.
type HopOption func(*Hop)

// AsErrorHop marks the hop as the source node's error hop.
func AsErrorHop() HopOption {
	return func(h *Hop) { h.Error = true }
}

// Disabled adds the hop in disabled state. Disabled hops are kept in the
// graph but never wired.
func Disabled() HopOption {
	return func(h *Hop) { h.Enabled = false }
}

// WithRowSetSize overrides the channel capacity of the hop.
func WithRowSetSize(n int) HopOption {
	return func(h *Hop) { h.RowSetSize = n }
}

// AddHop connects two existing nodes.
func (b *Builder) AddHop(from, to NodeID, opts ...HopOption) error {
	if err := b.checkNotBuilt(); err != nil {
		return err
	}
	h := Hop{From: from, To: to, Enabled: true}
	for _, opt := range opts {
		opt(&h)
	}
	return b.addHop(h)
}

// MustAddHop is like AddHop but panics on error.
func (b *Builder) MustAddHop(from, to NodeID, opts ...HopOption) {
	must(b.AddHop(from, to, opts...))
}

// AddHopDescriptor adds a fully specified hop, as produced by a graph loader.
func (b *Builder) AddHopDescriptor(h Hop) error {
	if err := b.checkNotBuilt(); err != nil {
		return err
	}
	return b.addHop(h)
}

func (b *Builder) addHop(h Hop) error {
	fromIdx, ok := b.graph.nodeIndex[h.From]
	if !ok {
		return fmt.Errorf("%w: from %s", ErrNodeNotFound, h.From)
	}
	toIdx, ok := b.graph.nodeIndex[h.To]
	if !ok {
		return fmt.Errorf("%w: to %s", ErrNodeNotFound, h.To)
	}
	if h.From == h.To {
		return fmt.Errorf("%w: hop %s loops onto itself", ErrInvalidTopology, h)
	}
	if h.RowSetSize < 0 {
		return fmt.Errorf("%w: hop %s has negative row set size", ErrInvalidTopology, h)
	}
	for _, existing := range b.graph.hops {
		if existing.From == h.From && existing.To == h.To {
			return fmt.Errorf("%w: %s", ErrHopAlreadyExists, h)
		}
	}

	idx := HopIndex(len(b.graph.hops))
	b.graph.hops = append(b.graph.hops, h)
	if h.Enabled {
		b.graph.outgoing[fromIdx] = append(b.graph.outgoing[fromIdx], idx)
		b.graph.incoming[toIdx] = append(b.graph.incoming[toIdx], idx)
	}
	return nil
}

// AddPartitionSchema registers a partition schema that nodes can refer to by name.
func (b *Builder) AddPartitionSchema(ps PartitionSchema) error {
	if err := b.checkNotBuilt(); err != nil {
		return err
	}
	if ps.Name == "" {
		return fmt.Errorf("%w: partition schema without name", ErrInvalidPartitioning)
	}
	if _, exists := b.graph.schemaIndex[ps.Name]; exists {
		return fmt.Errorf("%w: partition schema %q", ErrNodeAlreadyExists, ps.Name)
	}
	b.graph.schemaIndex[ps.Name] = len(b.graph.schemas)
	b.graph.schemas = append(b.graph.schemas, ps.clone())
	return nil
}

// MustAddPartitionSchema is like AddPartitionSchema but panics on error.
func (b *Builder) MustAddPartitionSchema(ps PartitionSchema) {
	must(b.AddPartitionSchema(ps))
}

// Build validates and finalizes the graph. The builder cannot be used afterwards.
func (b *Builder) Build() (*Graph, error) {
	if err := b.checkNotBuilt(); err != nil {
		return nil, err
	}
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	b.built = true
	return b.graph, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

func (b *Builder) checkNotBuilt() error {
	if b.built {
		return ErrAlreadyBuilt
	}
	return nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Sentinel errors for common failure cases.
var (
	ErrNodeAlreadyExists       = errors.New("node already exists")
	ErrNodeNotFound            = errors.New("node not found")
	ErrHopAlreadyExists        = errors.New("hop already exists")
	ErrCycleDetected           = errors.New("cycle detected in graph")
	ErrInvalidNodeID           = errors.New("invalid node ID")
	ErrInvalidTopology         = errors.New("invalid topology")
	ErrPartitionSchemaNotFound = errors.New("partition schema not found")
	ErrInvalidPartitioning     = errors.New("invalid partitioning")
	ErrAlreadyBuilt            = errors.New("builder already built")
)
