package rstep

import (
	"context"
	"log/slog"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/google/uuid"
)

// Result tells the worker whether ProcessRow should be called again.
type Result int

const (
	Continue Result = iota
	Done
)

func (r Result) String() string {
	if r == Done {
		return "done"
	}
	return "continue"
}

// Logic is the business logic of one step copy. A new Logic is created for
// every copy, so implementations may keep per-copy state in their fields
// without locking.
//
// The worker calls Init once, then ProcessRow until it returns Done, an
// error, or the copy is stopped, then Dispose exactly once if Init
// succeeded.
type Logic interface {
	// Init validates configuration and acquires external resources.
	// Returning a *ConfigError or *ResourceError is fatal for the copy.
	Init(ctx context.Context, sc StepContext) error

	// ProcessRow performs one iteration: it reads zero or more rows with
	// GetRow and writes zero or more rows with PutRow. ctx is cancelled when
	// the run is stopped with StopAll.
	ProcessRow(ctx context.Context, sc StepContext) (Result, error)

	// Dispose releases resources. Errors are logged and reported but do not
	// change the outcome of the run.
	Dispose(ctx context.Context, sc StepContext) error
}

// SchemaPropagator is implemented by logics that can compute their output
// row layout ahead of time. It is only called while a run is prepared,
// never during row flow. inputs holds the output meta of every enabled
// predecessor, in hop order; an entry is nil when unknown.
type SchemaPropagator interface {
	OutputMeta(node rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error)
}

// RowError carries the diagnostics attached to a row sent to an error hop.
type RowError struct {
	Description string
	Fields      []string
	Codes       []string
}

// RunInfo identifies the run a copy belongs to. ParentID is uuid.Nil for a
// top-level run.
type RunInfo struct {
	ID       uuid.UUID
	ParentID uuid.UUID
	Name     string
}

// StepContext is handed to a Logic by its worker. It is the only way a logic
// interacts with the rest of the run. It must only be used from the
// goroutine that called into the Logic.
type StepContext interface {
	// Node returns the descriptor of the step, including its Config.
	Node() rdag.Node
	// CopyNr is the zero-based index of this copy; Copies the total.
	CopyNr() int
	Copies() int
	// PartitionID is the partition this copy owns, or "" if the step is not
	// partitioned.
	PartitionID() string
	Run() RunInfo
	Logger() *slog.Logger

	// InputMeta returns the layout of the rows read from the inputs, known
	// after the first row was read or when propagated at prepare time.
	InputMeta() *rrow.RowMeta
	// OutputMeta returns the layout computed at prepare time, or nil.
	OutputMeta() *rrow.RowMeta

	// GetRow returns the next input row. It blocks until a row is available
	// and returns a nil row when every input is exhausted or the copy is
	// stopped. Rows from several inputs are merged round robin.
	GetRow(ctx context.Context) (rrow.Row, *rrow.RowMeta, error)
	// GetRowFrom is like GetRow but reads only from the hop coming from the
	// named step.
	GetRowFrom(ctx context.Context, from rdag.NodeID) (rrow.Row, *rrow.RowMeta, error)

	// PutRow hands a row to the step's normal outputs according to the
	// step's distribution mode. It blocks while the output channels are full.
	PutRow(ctx context.Context, meta *rrow.RowMeta, row rrow.Row) error
	// PutRowTo hands a row to the hop leading to the named step only.
	PutRowTo(ctx context.Context, to rdag.NodeID, meta *rrow.RowMeta, row rrow.Row) error
	// PutError flags a row as erroneous. With an error hop the row plus
	// diagnostic fields is sent there and nil is returned; otherwise a
	// *RowProcessingError is returned and should be returned by ProcessRow.
	PutError(ctx context.Context, meta *rrow.RowMeta, row rrow.Row, rowErr RowError) error
	// HasErrorHop reports whether PutError will route rows instead of failing.
	HasErrorHop() bool

	// Stopping reports whether a hard or safe stop was requested. Steps
	// without inputs should check it at the top of ProcessRow.
	Stopping() bool
	// StopAll hard-stops the whole run.
	StopAll()
	// SafeStop requests a graceful stop of the whole run.
	SafeStop()
}
