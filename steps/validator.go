package steps

import (
	"context"
	"fmt"
	"regexp"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// ValidatorConfig configures the validator step. A row is invalid if Field
// is null while NotNull is set, or if its formatted value does not match
// Pattern.
type ValidatorConfig struct {
	Field   string `yaml:"field"`
	NotNull bool   `yaml:"notNull"`
	Pattern string `yaml:"pattern"`
	// Code is attached to invalid rows, "VALIDATION" if empty.
	Code string `yaml:"code"`
}

// Validator flags invalid rows with PutError. Without an error hop the
// first invalid row fails the run.
type Validator struct {
	cfg     ValidatorConfig
	pattern *regexp.Regexp
	field   int
	meta    *rrow.RowMeta
}

func (v *Validator) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	return passThroughMeta(inputs), nil
}

func (v *Validator) Init(_ context.Context, sc rstep.StepContext) error {
	step := string(sc.Node().ID)
	cfg, err := rstep.ConfigAs[*ValidatorConfig](sc.Node())
	if err != nil {
		return err
	}
	if cfg == nil || cfg.Field == "" {
		return rstep.NewConfigError(step, "field is required")
	}
	v.cfg = *cfg
	if v.cfg.Code == "" {
		v.cfg.Code = "VALIDATION"
	}
	if v.cfg.Pattern != "" {
		v.pattern, err = regexp.Compile(v.cfg.Pattern)
		if err != nil {
			return rstep.NewConfigError(step, "pattern: %v", err)
		}
	}
	return nil
}

func (v *Validator) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		return rstep.Done, nil
	}
	if meta != v.meta {
		idx, err := meta.Lookup(v.cfg.Field)
		if err != nil {
			return rstep.Done, err
		}
		v.meta, v.field = meta, idx
	}

	if desc := v.check(meta.Field(v.field), row[v.field]); desc != "" {
		err := sc.PutError(ctx, meta, row, rstep.RowError{
			Description: desc,
			Fields:      []string{v.cfg.Field},
			Codes:       []string{v.cfg.Code},
		})
		if err != nil {
			return rstep.Done, err
		}
		return rstep.Continue, nil
	}

	if err := sc.PutRow(ctx, meta, row); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

func (v *Validator) check(vm rrow.ValueMeta, value any) string {
	if value == nil {
		if v.cfg.NotNull {
			return fmt.Sprintf("%s is null", vm.Name)
		}
		return ""
	}
	if v.pattern != nil {
		if s := vm.Format(value); !v.pattern.MatchString(s) {
			return fmt.Sprintf("%s value %q does not match %s", vm.Name, s, v.pattern)
		}
	}
	return ""
}

func (v *Validator) Dispose(context.Context, rstep.StepContext) error {
	return nil
}
