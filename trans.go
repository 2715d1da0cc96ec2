package rowflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/rowflow/internal/execution"
	"github.com/birdayz/rowflow/internal/partition"
	"github.com/birdayz/rowflow/internal/rowset"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotPrepared     = errors.New("rowflow: run not prepared")
	ErrAlreadyPrepared = errors.New("rowflow: run already prepared")
	ErrAlreadyStarted  = errors.New("rowflow: run already started")
)

const tracerName = "github.com/birdayz/rowflow"

type phase int

const (
	phaseCreated phase = iota
	phasePrepared
	phaseRunning
	phaseFinished
)

// Trans executes one run of a graph. A Trans is single use: Prepare, Start
// and WaitUntilFinished are called once, in that order, or Run does all
// three. StopAll, SafeStop and Status may be called from any goroutine at
// any time.
type Trans struct {
	graph    *rdag.Graph
	registry *rstep.Registry

	log             *slog.Logger
	rowSetSize      int
	feedbackSize    int64
	monitorInterval time.Duration
	slotCount       int
	slotNumber      int
	tracerProvider  trace.TracerProvider
	tracer          trace.Tracer
	listeners       []Listener
	parentID        uuid.UUID

	run     rstep.RunInfo
	control *execution.Control

	mu    sync.Mutex
	phase phase

	copies  []*execution.Copy
	byNode  [][]*execution.Copy
	rowsets []*rowset.RowSet

	startedAt time.Time
	span      trace.Span
	finished  chan struct{}
	result    *Result
}

// New creates a run of graph. Logic for every node is looked up in registry.
func New(graph *rdag.Graph, registry *rstep.Registry, opts ...Option) (*Trans, error) {
	if graph == nil {
		return nil, errors.New("rowflow: graph is required")
	}
	if registry == nil {
		return nil, errors.New("rowflow: registry is required")
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	t := &Trans{
		graph:           graph,
		registry:        registry,
		log:             NullLogger(),
		rowSetSize:      DefaultRowSetSize,
		feedbackSize:    DefaultFeedbackSize,
		monitorInterval: DefaultMonitorInterval,
		slotCount:       1,
		control:         execution.NewControl(),
		finished:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.rowSetSize < 1 || t.rowSetSize > rdag.MaxRowSetSize {
		return nil, fmt.Errorf("rowflow: row set size %d out of range [1, %d]", t.rowSetSize, rdag.MaxRowSetSize)
	}
	if t.slotCount < 1 || t.slotNumber < 0 || t.slotNumber >= t.slotCount {
		return nil, fmt.Errorf("rowflow: invalid slot %d of %d", t.slotNumber, t.slotCount)
	}
	if t.tracerProvider == nil {
		t.tracerProvider = otel.GetTracerProvider()
	}
	t.tracer = t.tracerProvider.Tracer(tracerName)

	t.run = rstep.RunInfo{ID: uuid.New(), ParentID: t.parentID, Name: graph.Name()}
	t.log = t.log.With("run", t.run.ID.String(), "graph", graph.Name())
	return t, nil
}

// MustNew is like New but panics on error.
func MustNew(graph *rdag.Graph, registry *rstep.Registry, opts ...Option) *Trans {
	t, err := New(graph, registry, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// RunInfo identifies this run.
func (t *Trans) RunInfo() rstep.RunInfo {
	return t.run
}

// Prepare creates every copy, computes row layouts, allocates and wires the
// row sets and initializes all copies in parallel. If any copy fails to
// initialize, every initialized copy is disposed and the run ends in
// StateError.
func (t *Trans) Prepare(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != phaseCreated {
		return ErrAlreadyPrepared
	}

	ctx, span := t.tracer.Start(ctx, "rowflow.prepare", trace.WithAttributes(t.runAttributes()...))
	defer span.End()

	if err := t.prepare(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.log.Error("Failed to prepare run", "error", err)
		if t.control.Fatal() == 0 && !t.control.IsStopped() {
			t.control.Fail("", -1, err)
		}
		t.phase = phaseFinished
		t.result = t.buildResult()
		close(t.finished)
		return err
	}
	t.phase = phasePrepared
	t.log.Info("Prepared run", "steps", t.graph.NumNodes(), "copies", len(t.copies), "rowsets", len(t.rowsets))
	return nil
}

func (t *Trans) prepare(ctx context.Context) error {
	tables, err := t.resolvePartitions()
	if err != nil {
		return err
	}

	logics, err := t.createLogics()
	if err != nil {
		return err
	}

	inMetas, outMetas, err := t.propagate(logics)
	if err != nil {
		return err
	}

	t.createCopies(logics, tables, inMetas, outMetas)

	if err := t.wire(tables); err != nil {
		return err
	}

	t.control.OnSafeStop(func() {
		for _, c := range t.copies {
			if c.IsSource() {
				c.Outputs().Freeze()
			}
		}
	})

	return t.initCopies(ctx)
}

// resolvePartitions expands and retains the schema of every partitioned
// node and builds its partition to copy table.
func (t *Trans) resolvePartitions() (map[rdag.NodeIndex]*partition.Table, error) {
	tables := map[rdag.NodeIndex]*partition.Table{}
	for i := range t.graph.NumNodes() {
		idx := rdag.NodeIndex(i)
		node := t.graph.Node(idx)
		if !node.Partitioning.Enabled() {
			continue
		}
		schema, ok := t.graph.PartitionSchema(node.Partitioning.Schema)
		if !ok {
			return nil, fmt.Errorf("step %s: %w: %s", node.ID, rdag.ErrPartitionSchemaNotFound, node.Partitioning.Schema)
		}
		schema = schema.Expand(t.slotCount).RetainForSlot(t.slotCount, t.slotNumber)
		table, err := partition.NewTable(schema, copiesOf(node))
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", node.ID, err)
		}
		if copiesOf(node) > schema.Size() {
			t.log.Warn("Step has more copies than partitions", "step", node.ID, "copies", copiesOf(node), "partitions", schema.Size())
		}
		tables[idx] = table
	}
	return tables, nil
}

func (t *Trans) createLogics() ([][]rstep.Logic, error) {
	logics := make([][]rstep.Logic, t.graph.NumNodes())
	for i := range t.graph.NumNodes() {
		node := t.graph.Node(rdag.NodeIndex(i))
		for range copiesOf(node) {
			l, err := t.registry.New(node)
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", node.ID, err)
			}
			logics[i] = append(logics[i], l)
		}
	}
	return logics, nil
}

// propagate computes the input and output layout of every node in
// topological order. Nodes whose logic cannot tell keep a nil layout.
func (t *Trans) propagate(logics [][]rstep.Logic) (in, out []*rrow.RowMeta, err error) {
	g := t.graph
	in = make([]*rrow.RowMeta, g.NumNodes())
	out = make([]*rrow.RowMeta, g.NumNodes())

	for _, idx := range g.TopologicalOrder() {
		node := g.Node(idx)

		var inputs []*rrow.RowMeta
		for _, h := range g.Incoming(idx) {
			hop := g.Hop(h)
			from, _ := g.Lookup(hop.From)
			m := out[from]
			if hop.Error {
				m = nil
				if in[from] != nil {
					m, err = execution.ErrorRowMeta(in[from], g.Node(from).ErrorHandling)
					if err != nil {
						return nil, nil, fmt.Errorf("step %s: %w", hop.From, err)
					}
				}
			}
			inputs = append(inputs, m)
		}
		for _, m := range inputs {
			if m != nil {
				in[idx] = m
				break
			}
		}

		sp, ok := logics[idx][0].(rstep.SchemaPropagator)
		if !ok {
			continue
		}
		m, err := sp.OutputMeta(node, inputs)
		if err != nil {
			return nil, nil, fmt.Errorf("step %s: output layout: %w", node.ID, err)
		}
		out[idx] = m
	}
	return in, out, nil
}

func (t *Trans) createCopies(logics [][]rstep.Logic, tables map[rdag.NodeIndex]*partition.Table, in, out []*rrow.RowMeta) {
	var listener func(Event)
	if len(t.listeners) > 0 {
		listener = func(e Event) {
			for _, l := range t.listeners {
				l(e)
			}
		}
	}

	t.byNode = make([][]*execution.Copy, t.graph.NumNodes())
	for i := range t.graph.NumNodes() {
		idx := rdag.NodeIndex(i)
		node := t.graph.Node(idx)
		n := copiesOf(node)
		for nr := range n {
			var partitionID string
			if table, ok := tables[idx]; ok {
				partitionID = strings.Join(table.Partitions(nr), ",")
			}
			c := execution.NewCopy(execution.CopyConfig{
				Node:         node,
				CopyNr:       nr,
				Copies:       n,
				PartitionID:  partitionID,
				Run:          t.run,
				Logic:        logics[i][nr],
				Control:      t.control,
				Log:          t.log,
				Tracer:       t.tracer,
				InputMeta:    in[i],
				OutputMeta:   out[i],
				FeedbackSize: t.feedbackSize,
				Listener:     listener,
			})
			t.byNode[i] = append(t.byNode[i], c)
			t.copies = append(t.copies, c)
		}
	}
}

// wire allocates one row set per connected producer/consumer copy pair.
// Partitioned consumers get a row set from every producer copy and rows
// are routed by partition. Equal copy counts without partitioning pair
// copy i with copy i. Everything else is a full mesh fed round robin.
func (t *Trans) wire(tables map[rdag.NodeIndex]*partition.Table) error {
	g := t.graph
	for _, hop := range g.Hops() {
		if !hop.Enabled {
			continue
		}
		from, _ := g.Lookup(hop.From)
		to, _ := g.Lookup(hop.To)
		producers := t.byNode[from]
		consumers := t.byNode[to]

		capacity := hop.RowSetSize
		if capacity == 0 {
			capacity = t.rowSetSize
		}
		counter := &atomic.Uint64{}

		table, partitioned := tables[to]
		switch {
		case partitioned:
			for _, p := range producers {
				part, err := partition.New(g.Node(to).Partitioning, table.Schema())
				if err != nil {
					return fmt.Errorf("step %s: %w", hop.To, err)
				}
				sets := make([]*rowset.RowSet, len(consumers))
				for ci, c := range consumers {
					sets[ci] = t.connect(hop, p, c, capacity)
				}
				p.AddOutput(&execution.Target{Hop: hop, Sets: sets, Partitioner: part, Table: table, Counter: counter})
			}
		case len(producers) == len(consumers) && len(consumers) > 1:
			for ci, p := range producers {
				set := t.connect(hop, p, consumers[ci], capacity)
				p.AddOutput(&execution.Target{Hop: hop, Sets: []*rowset.RowSet{set}, Counter: counter})
			}
		default:
			for _, p := range producers {
				sets := make([]*rowset.RowSet, len(consumers))
				for ci, c := range consumers {
					sets[ci] = t.connect(hop, p, c, capacity)
				}
				p.AddOutput(&execution.Target{Hop: hop, Sets: sets, Counter: counter})
			}
		}
	}
	return nil
}

func (t *Trans) connect(hop rdag.Hop, producer, consumer *execution.Copy, capacity int) *rowset.RowSet {
	set := rowset.New(
		rowset.Endpoint{Step: string(hop.From), Copy: producer.CopyNr()},
		rowset.Endpoint{Step: string(hop.To), Copy: consumer.CopyNr()},
		capacity,
		t.control.Stopped(),
	)
	consumer.AddInput(hop.From, set)
	t.rowsets = append(t.rowsets, set)
	return set
}

// initCopies initializes every copy in parallel. The first failing copy
// interrupts the others; copies interrupted that way end Stopped and are
// not counted as errors. Failures are recorded in the order they happen.
func (t *Trans) initCopies(ctx context.Context) error {
	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var interrupted atomic.Bool
	eg := &errgroup.Group{}
	for _, c := range t.copies {
		eg.Go(func() error {
			err := c.Init(initCtx)
			if err == nil {
				return nil
			}
			if c.State() == execution.StateError {
				t.control.Fail(c.Node().ID, c.CopyNr(), err)
				cancel()
			} else {
				interrupted.Store(true)
			}
			return err
		})
	}
	// Failures are collected by the control, not by the group.
	_ = eg.Wait()

	if t.control.Fatal() == 0 && !interrupted.Load() {
		return nil
	}
	for _, c := range t.copies {
		c.Abandon()
		// The error is kept by the copy and reported in the result.
		_ = c.Dispose(context.WithoutCancel(ctx))
	}
	if err := t.control.FirstError(); err != nil {
		return err
	}
	t.control.StopAll()
	if err := ctx.Err(); err != nil {
		return err
	}
	return rstep.ErrStopped
}

// Start spawns one goroutine per copy and returns immediately. Cancelling
// ctx stops the run as StopAll does.
func (t *Trans) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phase {
	case phaseCreated:
		return ErrNotPrepared
	case phasePrepared:
	default:
		return ErrAlreadyStarted
	}
	t.phase = phaseRunning
	t.startedAt = time.Now()

	runCtx, span := t.tracer.Start(ctx, "rowflow.run", trace.WithAttributes(t.runAttributes()...))
	t.span = span

	t.log.Info("Starting run", "copies", len(t.copies))

	eg := &errgroup.Group{}
	for _, c := range t.copies {
		eg.Go(func() error {
			return c.Execute(runCtx)
		})
	}

	stopWatch := context.AfterFunc(ctx, func() {
		t.log.Info("Context done, stopping run", "error", ctx.Err())
		t.control.StopAll()
	})

	monitorDone := make(chan struct{})
	go t.monitor(monitorDone)

	go func() {
		// Copy errors are collected by the control, not by the group.
		_ = eg.Wait()
		stopWatch()
		close(monitorDone)
		t.finish()
	}()
	return nil
}

func (t *Trans) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.buildResult()
	t.result = res
	t.phase = phaseFinished

	t.span.SetAttributes(
		attribute.String("rowflow.state", res.State.String()),
		attribute.Bool("rowflow.success", res.Success),
		attribute.Int64("rowflow.errors", res.Errors),
	)
	if res.FirstError != nil {
		t.span.RecordError(res.FirstError)
		t.span.SetStatus(codes.Error, res.FirstError.Error())
	}
	t.span.End()

	if res.DisposeErr != nil {
		t.log.Warn("Failed to dispose some steps", "error", res.DisposeErr)
	}
	t.log.Info("Run finished", "state", res.State, "success", res.Success, "errors", res.Errors, "duration", res.Duration)
	close(t.finished)
}

// monitor polls the copies until done is closed. It stops the run if a
// fatal error slipped past the copies and logs progress per step.
func (t *Trans) monitor(done <-chan struct{}) {
	if t.monitorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if t.control.Fatal() > 0 && !t.control.IsStopped() {
				t.log.Warn("Fatal errors detected, stopping run", "errors", t.control.Fatal())
				t.control.StopAll()
			}
			for _, st := range t.stepTotals() {
				t.log.Debug("Progress", "step", st.step, "read", st.Read, "written", st.Written, "rejected", st.Rejected, "errors", st.Errors)
			}
		}
	}
}

type stepTotal struct {
	step rdag.NodeID
	Counters
}

func (t *Trans) stepTotals() []stepTotal {
	out := make([]stepTotal, 0, len(t.byNode))
	for i, copies := range t.byNode {
		total := stepTotal{step: t.graph.Node(rdag.NodeIndex(i)).ID}
		for _, c := range copies {
			total.Counters = total.Counters.Add(c.Counters())
		}
		out = append(out, total)
	}
	return out
}

// WaitUntilFinished blocks until every copy reached a terminal state and
// returns the result. It returns nil if the run was never prepared or
// started.
func (t *Trans) WaitUntilFinished() *Result {
	t.mu.Lock()
	p := t.phase
	t.mu.Unlock()
	if p == phaseCreated || p == phasePrepared {
		return nil
	}
	<-t.finished
	return t.result
}

// Run prepares, starts and waits for the run. The returned error is the
// preparation error or the first fatal error of the run.
func (t *Trans) Run(ctx context.Context) (*Result, error) {
	if err := t.Prepare(ctx); err != nil {
		return t.WaitUntilFinished(), err
	}
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	res := t.WaitUntilFinished()
	return res, res.FirstError
}

// StopAll stops every copy as soon as possible. Buffered rows may be lost.
func (t *Trans) StopAll() {
	t.log.Info("Stopping all steps")
	t.control.StopAll()
}

// SafeStop stops the steps without inputs. Rows already buffered are
// processed to the end of the graph before the run finishes.
func (t *Trans) SafeStop() {
	t.log.Info("Safely stopping run")
	t.control.SafeStop()
}

// Status returns a snapshot of every copy.
func (t *Trans) Status() []StepStatus {
	t.mu.Lock()
	copies := t.copies
	t.mu.Unlock()
	out := make([]StepStatus, len(copies))
	for i, c := range copies {
		out[i] = c.Status()
	}
	return out
}

func (t *Trans) buildResult() *Result {
	res := &Result{
		RunID:      t.run.ID,
		ParentID:   t.run.ParentID,
		Name:       t.run.Name,
		Errors:     t.control.Fatal(),
		FirstError: t.control.FirstError(),
	}
	for _, c := range t.copies {
		res.Steps = append(res.Steps, c.Status())
	}

	state := StateDone
	for _, s := range res.Steps {
		state = execution.Worst(state, s.State)
	}
	switch {
	case res.Errors > 0:
		state = StateError
	case t.control.IsStopped():
		state = execution.Worst(state, StateStopped)
	case t.control.IsSafeStopping():
		state = execution.Worst(state, StateStopped)
	}
	res.State = state
	res.Success = res.Errors == 0 && !t.control.IsStopped()

	var disposeErr error
	for _, c := range t.copies {
		disposeErr = multierr.Append(disposeErr, c.Dispose(context.Background()))
	}
	res.DisposeErr = disposeErr

	if !t.startedAt.IsZero() {
		res.Duration = time.Since(t.startedAt)
	}
	return res
}

func (t *Trans) runAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("rowflow.run_id", t.run.ID.String()),
		attribute.String("rowflow.graph", t.run.Name),
	}
	if t.run.ParentID != uuid.Nil {
		attrs = append(attrs, attribute.String("rowflow.parent_run_id", t.run.ParentID.String()))
	}
	return attrs
}

func copiesOf(n rdag.Node) int {
	if n.Copies < 1 {
		return 1
	}
	return n.Copies
}
