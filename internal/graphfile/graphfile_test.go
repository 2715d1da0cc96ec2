package graphfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rstep"
	"github.com/birdayz/rowflow/steps"
	"github.com/birdayz/rowflow/steps/sortrows"
)

const example = `
name: orders
partitionSchemas:
  - name: dyn
    dynamic: true
    partitionsPerSlot: 3
steps:
  - id: gen
    logic: generator
    copies: 2
    distribution: copy
    config:
      limit: 100
      values: [a, b, c]
      delay: 5ms
  - id: check
    logic: validator
    copies: 3
    partitioning:
      schema: dyn
      method: mod
      field: value
    errors:
      descriptionField: why
      maxErrors: 10
    config:
      field: value
      pattern: "^[ab]$"
  - id: sort
    logic: sortrows
    config:
      fields:
        - name: id
          descending: true
  - id: bad
    logic: collector
  - id: audit
    logic: dummy
hops:
  - from: gen
    to: check
    rowSetSize: 50
  - from: gen
    to: audit
    enabled: false
  - from: check
    to: sort
  - from: check
    to: bad
    error: true
`

func registry(t *testing.T) *rstep.Registry {
	t.Helper()
	r := steps.NewRegistry()
	assert.NoError(t, r.Register(sortrows.Plugin()))
	return r
}

func TestParse(t *testing.T) {
	g, err := Parse([]byte(example), registry(t))
	assert.NoError(t, err)
	assert.Equal(t, "orders", g.Name())
	assert.Equal(t, 5, g.NumNodes())

	idx, ok := g.Lookup("gen")
	assert.True(t, ok)
	gen := g.Node(idx)
	assert.Equal(t, 2, gen.Copies)
	assert.Equal(t, rdag.CopyRows, gen.Distribution)
	assert.Equal(t, &steps.GeneratorConfig{Limit: 100, Values: []string{"a", "b", "c"}, Delay: 5 * time.Millisecond}, gen.Config.(*steps.GeneratorConfig))

	idx, _ = g.Lookup("check")
	check := g.Node(idx)
	assert.Equal(t, rdag.Partitioning{Schema: "dyn", Method: rdag.PartitionMod, Field: "value"}, check.Partitioning)
	assert.Equal(t, rdag.ErrorHandling{DescriptionField: "why", MaxErrors: 10}, check.ErrorHandling)
	_, hasErrorHop := g.ErrorHop(idx)
	assert.True(t, hasErrorHop)

	idx, _ = g.Lookup("sort")
	assert.Equal(t, &sortrows.Config{Fields: []sortrows.Field{{Name: "id", Descending: true}}}, g.Node(idx).Config.(*sortrows.Config))

	idx, _ = g.Lookup("bad")
	assert.Equal(t, &steps.CollectorConfig{}, g.Node(idx).Config.(*steps.CollectorConfig))

	var rowSetSize int
	disabled := 0
	for _, h := range g.Hops() {
		if h.From == "gen" && h.To == "check" {
			rowSetSize = h.RowSetSize
		}
		if !h.Enabled {
			disabled++
		}
	}
	assert.Equal(t, 50, rowSetSize)
	assert.Equal(t, 1, disabled)

	ps, ok := g.PartitionSchema("dyn")
	assert.True(t, ok)
	assert.True(t, ps.Dynamic)
	assert.Equal(t, 3, ps.PartitionsPerSlot)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(example), 0o600))
	g, err := LoadFile(path, registry(t))
	assert.NoError(t, err)
	assert.Equal(t, "orders", g.Name())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), registry(t))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want error
	}{
		{name: "no name", doc: "steps: []", want: ErrInvalidFile},
		{name: "unknown key", doc: "name: x\nstepz: []", want: ErrInvalidFile},
		{name: "unknown logic", doc: "name: x\nsteps:\n  - id: a\n    logic: nope", want: rstep.ErrLogicNotFound},
		{name: "bad distribution", doc: "name: x\nsteps:\n  - id: a\n    logic: dummy\n    distribution: spray", want: ErrInvalidFile},
		{name: "config for dummy", doc: "name: x\nsteps:\n  - id: a\n    logic: dummy\n    config: {x: 1}", want: ErrInvalidFile},
		{name: "bad config", doc: "name: x\nsteps:\n  - id: a\n    logic: generator\n    config: {limit: many}", want: ErrInvalidFile},
		{name: "unknown hop target", doc: "name: x\nsteps:\n  - id: a\n    logic: dummy\nhops:\n  - from: a\n    to: b", want: rdag.ErrNodeNotFound},
		{name: "cycle", doc: "name: x\nsteps:\n  - id: a\n    logic: dummy\n  - id: b\n    logic: dummy\nhops:\n  - {from: a, to: b}\n  - {from: b, to: a}", want: rdag.ErrCycleDetected},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc), registry(t))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
