package steps

import (
	"context"
	"time"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// GeneratorConfig configures the generator step.
type GeneratorConfig struct {
	// Limit is the number of rows to produce. Zero or less is unlimited;
	// such a generator runs until the run is stopped.
	Limit int64 `yaml:"limit"`
	// Start is the first sequence number.
	Start int64 `yaml:"start"`
	// IDField names the sequence field, "id" if empty.
	IDField string `yaml:"idField"`
	// Values, if set, adds a String field cycling through these values.
	Values     []string `yaml:"values"`
	ValueField string   `yaml:"valueField"`
	// Delay is slept before each row.
	Delay time.Duration `yaml:"delay"`
}

func (c *GeneratorConfig) withDefaults() *GeneratorConfig {
	out := GeneratorConfig{}
	if c != nil {
		out = *c
	}
	if out.IDField == "" {
		out.IDField = "id"
	}
	if out.ValueField == "" {
		out.ValueField = "value"
	}
	return &out
}

func (c *GeneratorConfig) meta() (*rrow.RowMeta, error) {
	fields := []rrow.ValueMeta{rrow.NewValueMeta(c.IDField, rrow.TypeInteger)}
	if len(c.Values) > 0 {
		fields = append(fields, rrow.NewValueMeta(c.ValueField, rrow.TypeString))
	}
	return rrow.NewRowMeta(fields...)
}

// Generator produces a sequence of rows. With several copies the sequence
// is split: copy i produces every Copies-th number starting at Start+i.
type Generator struct {
	cfg  *GeneratorConfig
	meta *rrow.RowMeta
	n    int64
}

func (g *Generator) OutputMeta(node rdag.Node, _ []*rrow.RowMeta) (*rrow.RowMeta, error) {
	cfg, err := rstep.ConfigAs[*GeneratorConfig](node)
	if err != nil {
		return nil, err
	}
	return cfg.withDefaults().meta()
}

func (g *Generator) Init(_ context.Context, sc rstep.StepContext) error {
	cfg, err := rstep.ConfigAs[*GeneratorConfig](sc.Node())
	if err != nil {
		return err
	}
	g.cfg = cfg.withDefaults()
	if g.cfg.Delay < 0 {
		return rstep.NewConfigError(string(sc.Node().ID), "negative delay %s", g.cfg.Delay)
	}
	g.meta, err = g.cfg.meta()
	if err != nil {
		return rstep.NewConfigError(string(sc.Node().ID), "%v", err)
	}
	g.n = int64(sc.CopyNr())
	return nil
}

func (g *Generator) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	if sc.Stopping() {
		return rstep.Done, nil
	}
	if g.cfg.Limit > 0 && g.n >= g.cfg.Limit {
		return rstep.Done, nil
	}
	if g.cfg.Delay > 0 {
		select {
		case <-time.After(g.cfg.Delay):
		case <-ctx.Done():
			return rstep.Done, ctx.Err()
		}
	}

	row := rrow.Row{g.cfg.Start + g.n}
	if len(g.cfg.Values) > 0 {
		row = append(row, g.cfg.Values[g.n%int64(len(g.cfg.Values))])
	}
	g.n += int64(sc.Copies())

	if err := sc.PutRow(ctx, g.meta, row); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

func (g *Generator) Dispose(context.Context, rstep.StepContext) error {
	return nil
}
