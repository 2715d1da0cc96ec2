package rstep

import (
	"errors"
	"fmt"
	"strings"

	"github.com/birdayz/rowflow/rrow"
)

var (
	// ErrChannelClosed is returned by PutRow when a consumer of this copy has
	// already stopped. It is a cooperative stop signal, not a failure.
	ErrChannelClosed = errors.New("consumer stopped")

	// ErrStopped is returned by blocking calls once the run is stopping.
	ErrStopped = errors.New("run stopped")

	// ErrUnknownTarget is returned by PutRowTo and GetRowFrom for steps that
	// are not connected to this step.
	ErrUnknownTarget = errors.New("no hop to step")

	ErrLogicNotFound      = errors.New("logic not registered")
	ErrLogicAlreadyExists = errors.New("logic already registered")
)

// ConfigError reports invalid step configuration found during Init.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("step %s: invalid configuration: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError is shorthand for &ConfigError{...} with a formatted cause.
func NewConfigError(step string, format string, args ...any) *ConfigError {
	return &ConfigError{Step: step, Err: fmt.Errorf(format, args...)}
}

// ResourceError reports an I/O failure while acquiring or releasing
// external resources.
type ResourceError struct {
	Step string
	Op   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("step %s: %s: %v", e.Step, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// RowProcessingError is a logic failure on one specific row. When the step
// has an error hop the row is diverted there; otherwise it is fatal.
type RowProcessingError struct {
	Step string
	Meta *rrow.RowMeta
	Row  rrow.Row
	RowError
	Err error
}

func (e *RowProcessingError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %s: row error", e.Step)
	if e.Description != "" {
		fmt.Fprintf(&sb, ": %s", e.Description)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&sb, " (fields %s)", strings.Join(e.Fields, ","))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *RowProcessingError) Unwrap() error {
	return e.Err
}

// IsStopSignal reports whether err only signals that the copy should stop.
func IsStopSignal(err error) bool {
	return errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrStopped)
}
