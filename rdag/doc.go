// Package rdag describes a resolved transformation graph: steps (nodes),
// hops between them and the partition schemas that steps may refer to.
//
// # Overview
//
// A Graph is built once, validated, and then treated as immutable for every
// run that uses it. Nodes, hops and partition schemas are stored in flat
// arenas and refer to each other by index (NodeIndex, HopIndex), so there are
// no back-pointers from a node to its graph.
//
// # Basic Usage
//
//	b := rdag.NewBuilder("orders")
//	b.MustAddNode(rdag.Node{ID: "read", LogicID: "generator", Config: &steps.GeneratorConfig{...}})
//	b.MustAddNode(rdag.Node{
//	    ID:      "enrich",
//	    LogicID: "dummy",
//	    Copies:  3,
//	    Partitioning: rdag.Partitioning{
//	        Schema: "by-customer",
//	        Method: rdag.PartitionMod,
//	        Field:  "customer",
//	    },
//	})
//	b.MustAddPartitionSchema(rdag.PartitionSchema{Name: "by-customer", IDs: []string{"P1", "P2", "P3"}})
//	b.MustAddHop("read", "enrich")
//	g := b.MustBuild()
//
// # Validation
//
// Build checks, and reports together:
//
//   - Cycles over enabled hops (ErrCycleDetected)
//   - More than one error hop per node (ErrInvalidTopology)
//   - Unknown partition schemas and partitioning without a field
//     (ErrPartitionSchemaNotFound, ErrInvalidPartitioning)
//   - Size limits (MaxNodesPerGraph, MaxCopiesPerNode, ...)
//
// All validation errors wrap sentinel errors that can be checked with errors.Is.
//
// # Thread Safety
//
// Builder is NOT safe for concurrent use. The resulting Graph is safe to
// share between runs.
package rdag
