package steps

import (
	"context"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// Dummy forwards every input row to its outputs.
type Dummy struct{}

func (Dummy) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	return passThroughMeta(inputs), nil
}

func (Dummy) Init(context.Context, rstep.StepContext) error {
	return nil
}

func (Dummy) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		return rstep.Done, nil
	}
	if err := sc.PutRow(ctx, meta, row); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

func (Dummy) Dispose(context.Context, rstep.StepContext) error {
	return nil
}
