// Package kafka provides steps that read rows from and write rows to Kafka
// topics. Record values are JSON objects keyed by field name.
package kafka

import (
	"fmt"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

const (
	InputID  = "kafka-input"
	OutputID = "kafka-output"
)

// Names of the fields added by the input step when IncludeMetadata is set.
const (
	TopicField     = "kafka_topic"
	PartitionField = "kafka_partition"
	OffsetField    = "kafka_offset"
	KeyField       = "kafka_key"
)

// Field declares one field of the rows carried in record values.
type Field struct {
	Name string `yaml:"name"`
	// Type is a value type name such as String, Integer or Number.
	Type string `yaml:"type"`
}

func Plugins() []rstep.Plugin {
	return []rstep.Plugin{
		{
			ID:          InputID,
			Description: "Reads JSON rows from Kafka topics",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Input{}, nil },
			NewConfig:   func() any { return &InputConfig{} },
		},
		{
			ID:          OutputID,
			Description: "Writes rows as JSON records to a Kafka topic",
			New:         func(rdag.Node) (rstep.Logic, error) { return &Output{}, nil },
			NewConfig:   func() any { return &OutputConfig{} },
		},
	}
}

// Register adds the Kafka steps to r.
func Register(r *rstep.Registry) error {
	for _, p := range Plugins() {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func rowMeta(fields []Field, metadata bool) (*rrow.RowMeta, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("at least one field is required")
	}
	vms := make([]rrow.ValueMeta, 0, len(fields)+4)
	for _, f := range fields {
		t, err := rrow.ParseValueType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		vms = append(vms, rrow.NewValueMeta(f.Name, t))
	}
	if metadata {
		vms = append(vms,
			rrow.NewValueMeta(TopicField, rrow.TypeString),
			rrow.NewValueMeta(PartitionField, rrow.TypeInteger),
			rrow.NewValueMeta(OffsetField, rrow.TypeInteger),
			rrow.NewValueMeta(KeyField, rrow.TypeString),
		)
	}
	return rrow.NewRowMeta(vms...)
}
