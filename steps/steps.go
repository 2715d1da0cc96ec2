// Package steps holds the built-in step logics: row generation, pass
// through, conditional routing, validation, aborting a run and collecting
// rows in memory.
package steps

import (
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

const (
	GeneratorID = "generator"
	DummyID     = "dummy"
	FilterID    = "filter"
	ValidatorID = "validator"
	AbortID     = "abort"
	CollectorID = "collector"
)

// Register adds every built-in logic to r.
func Register(r *rstep.Registry) error {
	for _, p := range Plugins() {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in logics.
func NewRegistry() *rstep.Registry {
	r := rstep.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

func Plugins() []rstep.Plugin {
	return []rstep.Plugin{
		{
			ID:          GeneratorID,
			Description: "Generates a sequence of rows",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Generator{}, nil },
			NewConfig:   func() any { return &GeneratorConfig{} },
		},
		{
			ID:          DummyID,
			Description: "Passes rows through unchanged",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Dummy{}, nil },
		},
		{
			ID:          FilterID,
			Description: "Routes rows to one of two steps by a field comparison",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Filter{}, nil },
			NewConfig:   func() any { return &FilterConfig{} },
		},
		{
			ID:          ValidatorID,
			Description: "Sends rows failing a field check to the error hop",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Validator{}, nil },
			NewConfig:   func() any { return &ValidatorConfig{} },
		},
		{
			ID:          AbortID,
			Description: "Stops the run after a number of rows",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Abort{}, nil },
			NewConfig:   func() any { return &AbortConfig{} },
		},
		{
			ID:          CollectorID,
			Description: "Keeps rows in memory",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Collector{}, nil },
			NewConfig:   func() any { return &CollectorConfig{} },
		},
	}
}

// passThroughMeta is the output layout of steps that forward their input.
func passThroughMeta(inputs []*rrow.RowMeta) *rrow.RowMeta {
	for _, m := range inputs {
		if m != nil {
			return m
		}
	}
	return nil
}
