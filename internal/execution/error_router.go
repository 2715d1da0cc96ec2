package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// errorMetaCache remembers the error row layout derived from the last
// input layout seen.
type errorMetaCache struct {
	in  *rrow.RowMeta
	out *rrow.RowMeta
}

func (c *errorMetaCache) get(in *rrow.RowMeta, eh rdag.ErrorHandling) (*rrow.RowMeta, error) {
	if c.out != nil && c.in == in {
		return c.out, nil
	}
	eh = eh.WithDefaults()
	out, err := in.Append(
		rrow.NewValueMeta(eh.CountField, rrow.TypeInteger),
		rrow.NewValueMeta(eh.DescriptionField, rrow.TypeString),
		rrow.NewValueMeta(eh.FieldsField, rrow.TypeString),
		rrow.NewValueMeta(eh.CodesField, rrow.TypeString),
	)
	if err != nil {
		return nil, fmt.Errorf("error row layout: %w", err)
	}
	c.in, c.out = in, out
	return out, nil
}

// ErrorRowMeta returns the layout of rows a step emits on its error hop for
// the given input layout.
func ErrorRowMeta(in *rrow.RowMeta, eh rdag.ErrorHandling) (*rrow.RowMeta, error) {
	var c errorMetaCache
	return c.get(in, eh)
}

// routeError diverts a flagged row to the error hop with its diagnostics
// appended. Exceeding the node's MaxErrors makes the error fatal.
func (c *Copy) routeError(ctx context.Context, perr *rstep.RowProcessingError) error {
	rejected := c.linesRejected.Add(1)
	eh := c.node.ErrorHandling
	if eh.MaxErrors > 0 && rejected > eh.MaxErrors {
		return fmt.Errorf("more than %d error rows: %w", eh.MaxErrors, perr)
	}

	meta := perr.Meta
	if meta == nil {
		meta = c.inputMeta
	}
	if meta == nil {
		return fmt.Errorf("error row without layout: %w", perr)
	}
	errMeta, err := c.errorMeta.get(meta, eh)
	if err != nil {
		return err
	}

	desc := perr.Description
	if desc == "" && perr.Err != nil {
		desc = perr.Err.Error()
	}
	row := perr.Row.Extend(
		int64(1),
		desc,
		strings.Join(perr.Fields, ","),
		strings.Join(perr.Codes, ","),
	)
	if err := c.out.PutError(ctx, errMeta, row); err != nil {
		return err
	}
	c.log.Debug("Row sent to error hop", "description", desc)
	return nil
}
