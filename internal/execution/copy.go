package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/birdayz/rowflow/internal/rowset"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultFeedbackSize is the number of rows read between progress log lines.
const DefaultFeedbackSize = 50000

// Input is one incoming row set of a copy.
type Input struct {
	From rdag.NodeID
	Set  *rowset.RowSet

	ended bool
}

// CopyConfig holds everything needed to run one copy of a step.
type CopyConfig struct {
	Node        rdag.Node
	CopyNr      int
	Copies      int
	PartitionID string
	Run         rstep.RunInfo
	Logic       rstep.Logic
	Control     *Control
	Log         *slog.Logger
	Tracer      trace.Tracer

	// InputMeta and OutputMeta are the layouts computed while preparing,
	// nil if unknown.
	InputMeta  *rrow.RowMeta
	OutputMeta *rrow.RowMeta

	FeedbackSize int64
	Listener     func(Event)
}

// Copy runs one copy of a step: it drives the logic, owns the copy's input
// and output row sets, and tracks its state and counters. Copy implements
// rstep.StepContext for its logic.
type Copy struct {
	node        rdag.Node
	nr          int
	copies      int
	partitionID string
	run         rstep.RunInfo
	logic       rstep.Logic
	control     *Control
	log         *slog.Logger
	tracer      trace.Tracer
	listener    func(Event)

	inputs []*Input
	byStep map[rdag.NodeID][]*Input
	notify chan struct{}
	nextIn int

	out *Distributor

	inputMeta  *rrow.RowMeta
	outputMeta *rrow.RowMeta
	errorMeta  errorMetaCache

	state         atomic.Int32
	linesRead     atomic.Int64
	linesWritten  atomic.Int64
	linesRejected atomic.Int64
	errorCount    atomic.Int64
	feedbackSize  int64

	mu  sync.Mutex
	err error

	initialized bool
	disposeOnce sync.Once
	disposeErr  error
}

var _ rstep.StepContext = (*Copy)(nil)

func NewCopy(cfg CopyConfig) *Copy {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.FeedbackSize == 0 {
		cfg.FeedbackSize = DefaultFeedbackSize
	}
	if cfg.Copies < 1 {
		cfg.Copies = 1
	}
	c := &Copy{
		node:         cfg.Node,
		nr:           cfg.CopyNr,
		copies:       cfg.Copies,
		partitionID:  cfg.PartitionID,
		run:          cfg.Run,
		logic:        cfg.Logic,
		control:      cfg.Control,
		log:          cfg.Log.With("step", string(cfg.Node.ID), "copy", cfg.CopyNr),
		tracer:       cfg.Tracer,
		listener:     cfg.Listener,
		byStep:       map[rdag.NodeID][]*Input{},
		notify:       make(chan struct{}, 1),
		out:          NewDistributor(cfg.Node.Distribution),
		inputMeta:    cfg.InputMeta,
		outputMeta:   cfg.OutputMeta,
		feedbackSize: cfg.FeedbackSize,
	}
	if cfg.PartitionID != "" {
		c.log = c.log.With("partition", cfg.PartitionID)
	}
	c.state.Store(int32(StateInitialized))
	return c
}

// AddInput registers an incoming row set. Must be called before Execute.
func (c *Copy) AddInput(from rdag.NodeID, set *rowset.RowSet) {
	set.SetNotify(c.notify)
	in := &Input{From: from, Set: set}
	c.inputs = append(c.inputs, in)
	c.byStep[from] = append(c.byStep[from], in)
}

// AddOutput registers an outgoing hop. Must be called before Execute.
func (c *Copy) AddOutput(t *Target) {
	c.out.Add(t)
}

func (c *Copy) Inputs() []*Input {
	return c.inputs
}

func (c *Copy) Outputs() *Distributor {
	return c.out
}

// IsSource reports whether the copy has no inputs.
func (c *Copy) IsSource() bool {
	return len(c.inputs) == 0
}

func (c *Copy) State() State {
	return State(c.state.Load())
}

// Err returns the error that moved the copy to StateError.
func (c *Copy) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Copy) Counters() Counters {
	return Counters{
		Read:     c.linesRead.Load(),
		Written:  c.linesWritten.Load(),
		Rejected: c.linesRejected.Load(),
		Errors:   c.errorCount.Load(),
	}
}

func (c *Copy) Status() Status {
	return Status{
		Step:        c.node.ID,
		Copy:        c.nr,
		PartitionID: c.partitionID,
		State:       c.State(),
		Counters:    c.Counters(),
		Err:         c.Err(),
	}
}

func (c *Copy) String() string {
	return fmt.Sprintf("%s.%d", c.node.ID, c.nr)
}

// transition moves the copy to state unless it already reached a terminal
// state. It reports whether the transition happened.
func (c *Copy) transition(to State) bool {
	for {
		from := State(c.state.Load())
		if from.Terminal() {
			return false
		}
		if to == StateRunning && from != StateInitialized {
			return false
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.log.Debug("Change state", "from", from, "to", to)
			return true
		}
	}
}

func (c *Copy) emit(kind EventKind, err error) {
	if c.listener == nil {
		return
	}
	c.listener(Event{
		Kind:     kind,
		Step:     c.node.ID,
		Copy:     c.nr,
		State:    c.State(),
		Counters: c.Counters(),
		Err:      err,
	})
}

// Init runs the logic's Init. On failure the copy moves to StateError and
// the error is returned; the run is not stopped, the caller decides. An
// Init interrupted by ctx or a stop of the run leaves the copy Stopped.
func (c *Copy) Init(ctx context.Context) error {
	if err := c.logic.Init(ctx, c); err != nil {
		err = fmt.Errorf("init %s: %w", c, err)
		if c.isStop(ctx, err) {
			c.transition(StateStopped)
			c.log.Info("Initialization interrupted", "error", err)
			return err
		}
		c.setErr(err)
		c.errorCount.Add(1)
		c.transition(StateError)
		c.log.Error("Failed to initialize", "error", err)
		c.emit(EventInitFailed, err)
		return err
	}
	c.initialized = true
	return nil
}

// Abandon ends a copy that will never run. Its outputs are closed and its
// inputs released.
func (c *Copy) Abandon() {
	c.transition(StateStopped)
	c.out.Close()
	c.releaseInputs()
}

// Execute drives the logic until it reports Done, fails, or the run stops.
// It always leaves the copy in a terminal state, with its outputs closed
// and its logic disposed. A fatal error is reported to the run's Control
// and also returned.
func (c *Copy) Execute(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "rowflow.copy", trace.WithAttributes(
		attribute.String("rowflow.step", string(c.node.ID)),
		attribute.Int("rowflow.copy", c.nr),
		attribute.String("rowflow.logic", c.node.LogicID),
	))
	defer span.End()

	if !c.transition(StateRunning) {
		c.out.Close()
		c.releaseInputs()
		c.dispose(context.WithoutCancel(ctx))
		return nil
	}
	c.log.Debug("Started")
	c.emit(EventStarted, nil)

	// The logic's context is cancelled by StopAll, so logics blocked on
	// external I/O return promptly.
	logicCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.control.Stopped():
			cancel()
		case <-logicCtx.Done():
		}
	}()

	final, err := c.loop(logicCtx)

	if final == StateError {
		c.setErr(err)
		c.errorCount.Add(1)
		// Stop the run before closing outputs, so consumers that see end
		// of stream also see the stop.
		c.control.Fail(c.node.ID, c.nr, err)
	}
	c.transition(final)
	c.out.Close()
	c.releaseInputs()
	c.dispose(context.WithoutCancel(ctx))

	counters := c.Counters()
	span.SetAttributes(
		attribute.Int64("rowflow.lines_read", counters.Read),
		attribute.Int64("rowflow.lines_written", counters.Written),
		attribute.Int64("rowflow.lines_rejected", counters.Rejected),
		attribute.String("rowflow.state", final.String()),
	)

	switch final {
	case StateError:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("Stopped with error", "error", err, "read", counters.Read, "written", counters.Written)
		c.emit(EventStoppedWithError, err)
		return err
	case StateStopped:
		if c.control.IsSafeStopping() && !c.control.IsStopped() {
			c.log.Info("Safely stopped", "read", counters.Read, "written", counters.Written)
			c.emit(EventSafelyStopped, nil)
		} else {
			c.log.Info("Stopped", "read", counters.Read, "written", counters.Written)
			c.emit(EventStopped, nil)
		}
	default:
		c.log.Info("Finished", "read", counters.Read, "written", counters.Written, "rejected", counters.Rejected)
		c.emit(EventFinished, nil)
	}
	return nil
}

func (c *Copy) loop(ctx context.Context) (State, error) {
	for {
		if c.control.IsStopped() {
			return StateStopped, nil
		}

		res, err := c.logic.ProcessRow(ctx, c)
		if err != nil {
			var rowErr *rstep.RowProcessingError
			if errors.As(err, &rowErr) && rowErr.Row != nil && c.out.HasErrorHop() {
				err = c.routeError(ctx, rowErr)
				if err == nil {
					continue
				}
			}
			if c.isStop(ctx, err) {
				return StateStopped, nil
			}
			return StateError, err
		}

		if res == rstep.Done {
			return c.finalState(), nil
		}
	}
}

// finalState decides how a logic reporting Done ends. A stop observed by
// GetRow makes the copy Stopped; a source that quit after a safe stop is
// Stopped too.
func (c *Copy) finalState() State {
	if c.control.IsStopped() {
		return StateStopped
	}
	if c.IsSource() && c.control.IsSafeStopping() {
		return StateStopped
	}
	return StateDone
}

func (c *Copy) isStop(ctx context.Context, err error) bool {
	if rstep.IsStopSignal(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err() != nil || c.control.IsStopped()
	}
	return false
}

func (c *Copy) releaseInputs() {
	for _, in := range c.inputs {
		in.Set.ConsumerStopped()
	}
}

func (c *Copy) dispose(ctx context.Context) {
	c.disposeOnce.Do(func() {
		if !c.initialized {
			return
		}
		if err := c.logic.Dispose(ctx, c); err != nil {
			c.disposeErr = fmt.Errorf("dispose %s: %w", c, err)
			c.log.Warn("Failed to dispose", "error", err)
			c.emit(EventDisposeFailed, c.disposeErr)
		}
	})
}

// Dispose releases the logic's resources if Execute never did. Idempotent.
func (c *Copy) Dispose(ctx context.Context) error {
	c.dispose(ctx)
	return c.disposeErr
}

func (c *Copy) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// StepContext

func (c *Copy) Node() rdag.Node {
	return c.node
}

func (c *Copy) CopyNr() int {
	return c.nr
}

func (c *Copy) Copies() int {
	return c.copies
}

func (c *Copy) PartitionID() string {
	return c.partitionID
}

func (c *Copy) Run() rstep.RunInfo {
	return c.run
}

func (c *Copy) Logger() *slog.Logger {
	return c.log
}

func (c *Copy) InputMeta() *rrow.RowMeta {
	return c.inputMeta
}

func (c *Copy) OutputMeta() *rrow.RowMeta {
	return c.outputMeta
}

func (c *Copy) GetRow(ctx context.Context) (rrow.Row, *rrow.RowMeta, error) {
	return c.getRow(ctx, c.inputs, &c.nextIn)
}

func (c *Copy) GetRowFrom(ctx context.Context, from rdag.NodeID) (rrow.Row, *rrow.RowMeta, error) {
	ins, ok := c.byStep[from]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", rstep.ErrUnknownTarget, from)
	}
	var next int
	return c.getRow(ctx, ins, &next)
}

// getRow merges inputs round robin, starting after the input that yielded
// the previous row. It waits on the shared notify channel while every open
// input is empty.
func (c *Copy) getRow(ctx context.Context, inputs []*Input, next *int) (rrow.Row, *rrow.RowMeta, error) {
	n := len(inputs)
	if n == 0 {
		return nil, nil, nil
	}
	for {
		if c.control.IsStopped() {
			return nil, nil, nil
		}
		open := 0
		for i := range n {
			idx := (*next + i) % n
			in := inputs[idx]
			if in.ended {
				continue
			}
			row, st := in.Set.Get()
			switch st {
			case rowset.StatusRow:
				*next = (idx + 1) % n
				meta := in.Set.Meta()
				c.inputMeta = meta
				c.countRead()
				return row, meta, nil
			case rowset.StatusEnd:
				in.ended = true
			default:
				open++
			}
		}
		if open == 0 {
			return nil, nil, nil
		}
		select {
		case <-c.notify:
		case <-c.control.Stopped():
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (c *Copy) countRead() {
	read := c.linesRead.Add(1)
	if c.feedbackSize > 0 && read%c.feedbackSize == 0 {
		c.log.Info("linenr", "read", read)
	}
}

func (c *Copy) PutRow(ctx context.Context, meta *rrow.RowMeta, row rrow.Row) error {
	if err := c.out.Put(ctx, meta, row); err != nil {
		return err
	}
	c.countWritten()
	return nil
}

func (c *Copy) PutRowTo(ctx context.Context, to rdag.NodeID, meta *rrow.RowMeta, row rrow.Row) error {
	if err := c.out.PutTo(ctx, to, meta, row); err != nil {
		return err
	}
	c.countWritten()
	return nil
}

func (c *Copy) countWritten() {
	written := c.linesWritten.Add(1)
	if c.IsSource() && c.feedbackSize > 0 && written%c.feedbackSize == 0 {
		c.log.Info("linenr", "written", written)
	}
}

func (c *Copy) PutError(ctx context.Context, meta *rrow.RowMeta, row rrow.Row, rowErr rstep.RowError) error {
	perr := &rstep.RowProcessingError{
		Step:     string(c.node.ID),
		Meta:     meta,
		Row:      row,
		RowError: rowErr,
	}
	if !c.out.HasErrorHop() {
		return perr
	}
	return c.routeError(ctx, perr)
}

func (c *Copy) HasErrorHop() bool {
	return c.out.HasErrorHop()
}

func (c *Copy) Stopping() bool {
	return c.control.IsStopped() || c.control.IsSafeStopping()
}

func (c *Copy) StopAll() {
	c.log.Info("Stop requested")
	c.control.StopAll()
}

func (c *Copy) SafeStop() {
	c.log.Info("Safe stop requested")
	c.control.SafeStop()
}
