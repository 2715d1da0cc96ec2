package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// AbortMode selects what the abort step does once its threshold is passed.
type AbortMode string

const (
	// AbortWithError fails the run.
	AbortWithError AbortMode = "error"
	// AbortStop stops every step immediately.
	AbortStop AbortMode = "stop"
	// AbortSafeStop stops the sources and lets buffered rows drain.
	AbortSafeStop AbortMode = "safe"
)

// ErrAborted is the error an abort step in AbortWithError mode fails with.
var ErrAborted = errors.New("run aborted")

// AbortConfig configures the abort step.
type AbortConfig struct {
	// Threshold is the number of rows passed through before aborting.
	Threshold int64     `yaml:"threshold"`
	Mode      AbortMode `yaml:"mode"`
	Message   string    `yaml:"message"`
}

// Abort forwards rows until more than Threshold rows were read, then
// aborts the run.
type Abort struct {
	cfg     AbortConfig
	read    int64
	aborted bool
}

func (a *Abort) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	return passThroughMeta(inputs), nil
}

func (a *Abort) Init(_ context.Context, sc rstep.StepContext) error {
	cfg, err := rstep.ConfigAs[*AbortConfig](sc.Node())
	if err != nil {
		return err
	}
	if cfg != nil {
		a.cfg = *cfg
	}
	if a.cfg.Mode == "" {
		a.cfg.Mode = AbortWithError
	}
	switch a.cfg.Mode {
	case AbortWithError, AbortStop, AbortSafeStop:
	default:
		return rstep.NewConfigError(string(sc.Node().ID), "unknown abort mode %q", a.cfg.Mode)
	}
	if a.cfg.Threshold < 0 {
		return rstep.NewConfigError(string(sc.Node().ID), "negative threshold %d", a.cfg.Threshold)
	}
	return nil
}

func (a *Abort) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		return rstep.Done, nil
	}
	a.read++

	if a.read > a.cfg.Threshold && !a.aborted {
		a.aborted = true
		msg := a.cfg.Message
		if msg == "" {
			msg = fmt.Sprintf("row threshold of %d exceeded", a.cfg.Threshold)
		}
		switch a.cfg.Mode {
		case AbortWithError:
			sc.Logger().Error("Aborting run", "reason", msg)
			return rstep.Done, fmt.Errorf("%w: %s", ErrAborted, msg)
		case AbortStop:
			sc.Logger().Warn("Stopping run", "reason", msg)
			sc.StopAll()
			return rstep.Done, nil
		case AbortSafeStop:
			sc.Logger().Warn("Safely stopping run", "reason", msg)
			sc.SafeStop()
		}
	}

	if err := sc.PutRow(ctx, meta, row); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

func (a *Abort) Dispose(context.Context, rstep.StepContext) error {
	return nil
}
