package rstep

import (
	"fmt"
	"slices"
	"sync"

	"github.com/birdayz/rowflow/rdag"
)

// Factory creates the Logic for one copy of node.
type Factory func(node rdag.Node) (Logic, error)

// Plugin describes one kind of step logic.
type Plugin struct {
	ID          string
	Description string
	New         Factory

	// NewConfig returns a pointer to a zero config value for this logic.
	// Graph loaders decode node configuration into it. May be nil for
	// logics without configuration.
	NewConfig func() any
}

// Registry maps logic ids to plugins. A Registry is passed explicitly to
// every run; there is no process-wide registry.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds a plugin. Registering the same id twice is an error.
func (r *Registry) Register(p Plugin) error {
	if p.ID == "" || p.New == nil {
		return fmt.Errorf("invalid plugin %q: id and factory are required", p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrLogicAlreadyExists, p.ID)
	}
	r.plugins[p.ID] = p
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(p Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %s", ErrLogicNotFound, id)
	}
	return p, nil
}

// New creates a Logic for node using the plugin registered for node.LogicID.
func (r *Registry) New(node rdag.Node) (Logic, error) {
	p, err := r.Lookup(node.LogicID)
	if err != nil {
		return nil, err
	}
	return p.New(node)
}

// IDs returns the registered logic ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ConfigAs returns node.Config as T, or a *ConfigError if it has another type.
// A nil Config yields the zero T when T is a pointer type.
func ConfigAs[T any](node rdag.Node) (T, error) {
	var zero T
	if node.Config == nil {
		return zero, nil
	}
	cfg, ok := node.Config.(T)
	if !ok {
		return zero, NewConfigError(string(node.ID), "config is %T, want %T", node.Config, zero)
	}
	return cfg, nil
}
