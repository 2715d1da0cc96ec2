// Package graphfile loads graphs from YAML documents. Step configuration is
// decoded into the config type each plugin declares.
package graphfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rstep"
	"gopkg.in/yaml.v3"
)

var ErrInvalidFile = errors.New("invalid graph file")

type file struct {
	Name             string            `yaml:"name"`
	PartitionSchemas []partitionSchema `yaml:"partitionSchemas"`
	Steps            []step            `yaml:"steps"`
	Hops             []hop             `yaml:"hops"`
}

type partitionSchema struct {
	Name              string   `yaml:"name"`
	IDs               []string `yaml:"ids"`
	Dynamic           bool     `yaml:"dynamic"`
	PartitionsPerSlot int      `yaml:"partitionsPerSlot"`
}

type step struct {
	ID           string        `yaml:"id"`
	Logic        string        `yaml:"logic"`
	Copies       int           `yaml:"copies"`
	Distribution string        `yaml:"distribution"`
	Partitioning *partitioning `yaml:"partitioning"`
	Errors       *errorConfig  `yaml:"errors"`
	Config       yaml.Node     `yaml:"config"`
}

type partitioning struct {
	Schema string `yaml:"schema"`
	Method string `yaml:"method"`
	Field  string `yaml:"field"`
}

type errorConfig struct {
	CountField       string `yaml:"countField"`
	DescriptionField string `yaml:"descriptionField"`
	FieldsField      string `yaml:"fieldsField"`
	CodesField       string `yaml:"codesField"`
	MaxErrors        int64  `yaml:"maxErrors"`
}

type hop struct {
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	Error      bool   `yaml:"error"`
	Enabled    *bool  `yaml:"enabled"`
	RowSetSize int    `yaml:"rowSetSize"`
}

// LoadFile reads and builds the graph in path.
func LoadFile(path string, registry *rstep.Registry) (*rdag.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, registry)
}

// Parse builds a graph from a YAML document held in memory.
func Parse(data []byte, registry *rstep.Registry) (*rdag.Graph, error) {
	return Load(bytes.NewReader(data), registry)
}

// Load decodes a YAML document from r and builds the graph. Every step's
// logic must be registered in registry.
func Load(r io.Reader, registry *rstep.Registry) (*rdag.Graph, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc file
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidFile)
	}

	b := rdag.NewBuilder(doc.Name)
	for _, ps := range doc.PartitionSchemas {
		if err := b.AddPartitionSchema(rdag.PartitionSchema{
			Name:              ps.Name,
			IDs:               ps.IDs,
			Dynamic:           ps.Dynamic,
			PartitionsPerSlot: ps.PartitionsPerSlot,
		}); err != nil {
			return nil, err
		}
	}

	for _, s := range doc.Steps {
		node, err := s.node(registry)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.ID, err)
		}
		if err := b.AddNode(node); err != nil {
			return nil, err
		}
	}

	for _, h := range doc.Hops {
		enabled := h.Enabled == nil || *h.Enabled
		if err := b.AddHopDescriptor(rdag.Hop{
			From:       rdag.NodeID(h.From),
			To:         rdag.NodeID(h.To),
			Enabled:    enabled,
			Error:      h.Error,
			RowSetSize: h.RowSetSize,
		}); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func (s step) node(registry *rstep.Registry) (rdag.Node, error) {
	plugin, err := registry.Lookup(s.Logic)
	if err != nil {
		return rdag.Node{}, err
	}

	node := rdag.Node{
		ID:      rdag.NodeID(s.ID),
		LogicID: s.Logic,
		Copies:  s.Copies,
	}

	switch strings.ToLower(s.Distribution) {
	case "", "distribute":
		node.Distribution = rdag.DistributeRows
	case "copy":
		node.Distribution = rdag.CopyRows
	default:
		return rdag.Node{}, fmt.Errorf("%w: unknown distribution %q", ErrInvalidFile, s.Distribution)
	}

	if p := s.Partitioning; p != nil {
		node.Partitioning = rdag.Partitioning{Schema: p.Schema, Field: p.Field}
		switch strings.ToLower(p.Method) {
		case "mod":
			node.Partitioning.Method = rdag.PartitionMod
		case "lookup":
			node.Partitioning.Method = rdag.PartitionLookup
		case "", "none":
		default:
			return rdag.Node{}, fmt.Errorf("%w: unknown partition method %q", ErrInvalidFile, p.Method)
		}
	}

	if e := s.Errors; e != nil {
		node.ErrorHandling = rdag.ErrorHandling{
			CountField:       e.CountField,
			DescriptionField: e.DescriptionField,
			FieldsField:      e.FieldsField,
			CodesField:       e.CodesField,
			MaxErrors:        e.MaxErrors,
		}
	}

	if s.Config.Kind != 0 {
		if plugin.NewConfig == nil {
			return rdag.Node{}, fmt.Errorf("%w: logic %s takes no configuration", ErrInvalidFile, s.Logic)
		}
		cfg := plugin.NewConfig()
		if err := s.Config.Decode(cfg); err != nil {
			return rdag.Node{}, fmt.Errorf("%w: config: %w", ErrInvalidFile, err)
		}
		node.Config = cfg
	} else if plugin.NewConfig != nil {
		node.Config = plugin.NewConfig()
	}
	return node, nil
}
