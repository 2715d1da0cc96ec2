package steps

import (
	"cmp"
	"context"
	"fmt"
	"strconv"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// Comparison operators understood by the filter step.
const (
	OpEquals    = "="
	OpNotEquals = "<>"
	OpLess      = "<"
	OpGreater   = ">"
	OpIsNull    = "IS NULL"
	OpNotNull   = "IS NOT NULL"
)

// FilterConfig configures the filter step. A row matches if Field compared
// with Value using Op holds. Matching rows go to TrueTo, others to FalseTo.
// An empty target drops the rows.
type FilterConfig struct {
	Field   string      `yaml:"field"`
	Op      string      `yaml:"op"`
	Value   string      `yaml:"value"`
	TrueTo  rdag.NodeID `yaml:"trueTo"`
	FalseTo rdag.NodeID `yaml:"falseTo"`
}

// Filter routes each row to one of two steps.
type Filter struct {
	cfg   FilterConfig
	field int
	meta  *rrow.RowMeta
}

func (f *Filter) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	return passThroughMeta(inputs), nil
}

func (f *Filter) Init(_ context.Context, sc rstep.StepContext) error {
	step := string(sc.Node().ID)
	cfg, err := rstep.ConfigAs[*FilterConfig](sc.Node())
	if err != nil {
		return err
	}
	if cfg == nil || cfg.Field == "" {
		return rstep.NewConfigError(step, "field is required")
	}
	f.cfg = *cfg
	if f.cfg.Op == "" {
		f.cfg.Op = OpEquals
	}
	switch f.cfg.Op {
	case OpEquals, OpNotEquals, OpLess, OpGreater, OpIsNull, OpNotNull:
	default:
		return rstep.NewConfigError(step, "unknown operator %q", f.cfg.Op)
	}
	if f.cfg.TrueTo == "" && f.cfg.FalseTo == "" {
		return rstep.NewConfigError(step, "trueTo or falseTo is required")
	}
	if meta := sc.InputMeta(); meta != nil {
		if _, err := meta.Lookup(f.cfg.Field); err != nil {
			return rstep.NewConfigError(step, "%v", err)
		}
	}
	return nil
}

func (f *Filter) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		return rstep.Done, nil
	}
	if meta != f.meta {
		idx, err := meta.Lookup(f.cfg.Field)
		if err != nil {
			return rstep.Done, err
		}
		f.meta, f.field = meta, idx
	}

	match, err := f.match(meta.Field(f.field), row[f.field])
	if err != nil {
		return rstep.Done, fmt.Errorf("step %s: %w", sc.Node().ID, err)
	}
	target := f.cfg.FalseTo
	if match {
		target = f.cfg.TrueTo
	}
	if target == "" {
		return rstep.Continue, nil
	}
	if err := sc.PutRowTo(ctx, target, meta, row); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

func (f *Filter) match(vm rrow.ValueMeta, v any) (bool, error) {
	switch f.cfg.Op {
	case OpIsNull:
		return v == nil, nil
	case OpNotNull:
		return v != nil, nil
	}
	if v == nil {
		return false, nil
	}
	c, err := compare(vm, v, f.cfg.Value)
	if err != nil {
		return false, err
	}
	switch f.cfg.Op {
	case OpEquals:
		return c == 0, nil
	case OpNotEquals:
		return c != 0, nil
	case OpLess:
		return c < 0, nil
	default:
		return c > 0, nil
	}
}

// compare orders v against the literal s parsed as v's type.
func compare(vm rrow.ValueMeta, v any, s string) (int, error) {
	switch x := v.(type) {
	case int64:
		y, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("compare %s with %q: %w", vm.Name, s, err)
		}
		return cmp.Compare(x, y), nil
	case float64:
		y, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("compare %s with %q: %w", vm.Name, s, err)
		}
		return cmp.Compare(x, y), nil
	default:
		return cmp.Compare(vm.Format(v), s), nil
	}
}

func (f *Filter) Dispose(context.Context, rstep.StepContext) error {
	return nil
}
