package rdag

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Validation limits to prevent pathological cases
const (
	MaxNodesPerGraph   = 10000
	MaxCopiesPerNode   = 1024
	MaxHopsPerNode     = 1000
	MaxRowSetSize      = 10_000_000
	MaxPartitionsTotal = 65536
)

// Validate performs all graph validations and reports every problem found,
// not just the first.
func (g *Graph) Validate() error {
	if len(g.nodes) > MaxNodesPerGraph {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.nodes), MaxNodesPerGraph)
	}

	var result *multierror.Error
	result = multierror.Append(result, g.detectCycles())
	result = multierror.Append(result, g.validateHops()...)
	result = multierror.Append(result, g.validateNodes()...)
	result = multierror.Append(result, g.validatePartitioning()...)

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("graph %q validation failed: %w", g.name, err)
	}
	return nil
}

// detectCycles uses depth-first search over enabled hops.
// Returns ErrCycleDetected with the offending path.
func (g *Graph) detectCycles() error {
	visited := make([]bool, len(g.nodes))
	onStack := make([]bool, len(g.nodes))

	var dfs func(NodeIndex, []NodeIndex) error
	dfs = func(n NodeIndex, path []NodeIndex) error {
		visited[n] = true
		onStack[n] = true
		path = append(path, n)

		for _, h := range g.outgoing[n] {
			child := g.nodeIndex[g.hops[h].To]
			if !visited[child] {
				if err := dfs(child, path); err != nil {
					return err
				}
			} else if onStack[child] {
				cyclePath := append(path, child)
				names := make([]string, len(cyclePath))
				for i, idx := range cyclePath {
					names[i] = string(g.nodes[idx].ID)
				}
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(names, " -> "))
			}
		}

		onStack[n] = false
		return nil
	}

	for i := range g.nodes {
		if !visited[i] {
			if err := dfs(NodeIndex(i), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) validateHops() []error {
	var errs []error
	for i, n := range g.nodes {
		out := g.outgoing[i]
		if len(out) > MaxHopsPerNode {
			errs = append(errs, fmt.Errorf("%w: node %s has %d hops, exceeds maximum %d",
				ErrInvalidTopology, n.ID, len(out), MaxHopsPerNode))
		}
		errorHops := 0
		for _, h := range out {
			if g.hops[h].Error {
				errorHops++
			}
		}
		if errorHops > 1 {
			errs = append(errs, fmt.Errorf("%w: node %s has %d error hops",
				ErrInvalidTopology, n.ID, errorHops))
		}
	}
	for _, h := range g.hops {
		if h.RowSetSize > MaxRowSetSize {
			errs = append(errs, fmt.Errorf("%w: hop %s row set size %d exceeds maximum %d",
				ErrInvalidTopology, h, h.RowSetSize, MaxRowSetSize))
		}
	}
	return errs
}

func (g *Graph) validateNodes() []error {
	var errs []error
	for _, n := range g.nodes {
		if n.Copies > MaxCopiesPerNode {
			errs = append(errs, fmt.Errorf("%w: node %s has %d copies, exceeds maximum %d",
				ErrInvalidTopology, n.ID, n.Copies, MaxCopiesPerNode))
		}
		if n.Distribution != DistributeRows && n.Distribution != CopyRows {
			errs = append(errs, fmt.Errorf("%w: node %s has unknown distribution mode %d",
				ErrInvalidTopology, n.ID, n.Distribution))
		}
		if n.ErrorHandling.MaxErrors < 0 {
			errs = append(errs, fmt.Errorf("%w: node %s has negative max errors",
				ErrInvalidTopology, n.ID))
		}
	}
	return errs
}

func (g *Graph) validatePartitioning() []error {
	var errs []error
	for _, n := range g.nodes {
		p := n.Partitioning
		switch p.Method {
		case PartitionNone:
			continue
		case PartitionMod, PartitionLookup:
		default:
			errs = append(errs, fmt.Errorf("%w: node %s has unknown partition method %d",
				ErrInvalidPartitioning, n.ID, p.Method))
			continue
		}
		if p.Field == "" {
			errs = append(errs, fmt.Errorf("%w: node %s partitions by %s without a field",
				ErrInvalidPartitioning, n.ID, p.Method))
		}
		i, ok := g.schemaIndex[p.Schema]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: node %s references %q",
				ErrPartitionSchemaNotFound, n.ID, p.Schema))
			continue
		}
		ps := g.schemas[i]
		if !ps.Dynamic && ps.Size() == 0 {
			errs = append(errs, fmt.Errorf("%w: partition schema %q has no partitions",
				ErrInvalidPartitioning, ps.Name))
		}
		if ps.Size() > MaxPartitionsTotal {
			errs = append(errs, fmt.Errorf("%w: partition schema %q has %d partitions, exceeds maximum %d",
				ErrInvalidPartitioning, ps.Name, ps.Size(), MaxPartitionsTotal))
		}
	}
	return errs
}

// topologicalSort orders nodes with Kahn's algorithm. Sources are seeded in
// insertion order and children are released in hop order, so the result is
// deterministic for a given graph.
func (g *Graph) topologicalSort() ([]NodeIndex, error) {
	inDegree := make([]int, len(g.nodes))
	for i := range g.nodes {
		inDegree[i] = len(g.incoming[i])
	}

	queue := make([]NodeIndex, 0, len(g.nodes))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, NodeIndex(i))
		}
	}

	result := make([]NodeIndex, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)

		for _, h := range g.outgoing[n] {
			child := g.nodeIndex[g.hops[h].To]
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return result, fmt.Errorf("%w: topological sort failed", ErrCycleDetected)
	}
	return result, nil
}
