package rowflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/rowflow/internal/partition"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rstep"
	"github.com/birdayz/rowflow/steps"
	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func runGraph(t *testing.T, g *rdag.Graph, opts ...Option) (*Result, error) {
	t.Helper()
	return runWith(t, g, steps.NewRegistry(), opts...)
}

func runWith(t *testing.T, g *rdag.Graph, registry *rstep.Registry, opts ...Option) (*Result, error) {
	t.Helper()
	tr, err := New(g, registry, opts...)
	assert.NoError(t, err)

	type out struct {
		res *Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := tr.Run(context.Background())
		done <- out{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(10 * time.Second):
		tr.StopAll()
		t.Fatal("run did not finish")
		return nil, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func stepStatus(tr *Trans, id rdag.NodeID, copyNr int) StepStatus {
	for _, s := range tr.Status() {
		if s.Step == id && s.Copy == copyNr {
			return s
		}
	}
	return StepStatus{}
}

func TestLinearRun(t *testing.T) {
	sink := steps.NewSink()
	b := rdag.NewBuilder("linear")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 100}})
	b.MustAddNode(rdag.Node{ID: "pass", LogicID: steps.DummyID})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: sink}})
	b.MustAddHop("gen", "pass")
	b.MustAddHop("pass", "sink", rdag.WithRowSetSize(1))

	res, err := runGraph(t, b.MustBuild(), WithRowSetSize(7))
	assert.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), res.Errors)

	rows := sink.Rows()
	assert.Equal(t, 100, len(rows))
	for i, row := range rows {
		assert.Equal(t, int64(i), row[0].(int64))
	}
	assert.Equal(t, Counters{Read: 0, Written: 100}, res.Step("gen"))
	assert.Equal(t, Counters{Read: 100, Written: 100}, res.Step("pass"))
	assert.Equal(t, []string{"id"}, sink.Meta().FieldNames())
	for _, s := range res.Steps {
		assert.Equal(t, StateDone, s.State)
	}
}

func TestPartitionedCopies(t *testing.T) {
	sink := steps.NewSink()
	values := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}

	b := rdag.NewBuilder("partitioned")
	b.MustAddPartitionSchema(rdag.PartitionSchema{Name: "three", IDs: []string{"P0", "P1", "P2"}})
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 9, Values: values}})
	b.MustAddNode(rdag.Node{
		ID:           "sink",
		LogicID:      steps.CollectorID,
		Copies:       3,
		Partitioning: rdag.Partitioning{Schema: "three", Method: rdag.PartitionMod, Field: "value"},
		Config:       &steps.CollectorConfig{Sink: sink},
	})
	b.MustAddHop("gen", "sink")

	res, err := runGraph(t, b.MustBuild())
	assert.NoError(t, err)
	assert.True(t, res.Success)

	seen := map[string]int{}
	for copyNr := range 3 {
		for _, row := range sink.CopyRows(copyNr) {
			v := row[1].(string)
			p, err := partition.Mod(v, 3)
			assert.NoError(t, err)
			assert.Equal(t, copyNr, p, "value %q", v)
			seen[v]++
		}
	}
	assert.Equal(t, len(values), len(seen))
	for _, v := range values {
		assert.Equal(t, 1, seen[v], "value %q", v)
	}

	copies := res.Copies("sink")
	assert.Equal(t, 3, len(copies))
	for i, c := range copies {
		assert.Equal(t, fmt.Sprintf("P%d", i), c.PartitionID)
	}
}

func TestPartitionAssignmentIsStableAcrossRuns(t *testing.T) {
	assignment := func() map[string]int {
		sink := steps.NewSink()
		b := rdag.NewBuilder("stable")
		b.MustAddPartitionSchema(rdag.PartitionSchema{Name: "dyn", Dynamic: true, PartitionsPerSlot: 4})
		b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 40}})
		b.MustAddNode(rdag.Node{
			ID:           "sink",
			LogicID:      steps.CollectorID,
			Copies:       4,
			Partitioning: rdag.Partitioning{Schema: "dyn", Method: rdag.PartitionMod, Field: "id"},
			Config:       &steps.CollectorConfig{Sink: sink},
		})
		b.MustAddHop("gen", "sink")
		res, err := runGraph(t, b.MustBuild())
		assert.NoError(t, err)
		assert.True(t, res.Success)

		out := map[string]int{}
		for copyNr := range 4 {
			for _, row := range sink.CopyRows(copyNr) {
				out[fmt.Sprint(row[0])] = copyNr
			}
		}
		return out
	}

	first := assignment()
	assert.Equal(t, 40, len(first))
	assert.Equal(t, first, assignment())
}

func TestSlotRetention(t *testing.T) {
	b := rdag.NewBuilder("slots")
	b.MustAddPartitionSchema(rdag.PartitionSchema{Name: "dyn", Dynamic: true, PartitionsPerSlot: 2})
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 10}})
	b.MustAddNode(rdag.Node{
		ID:           "sink",
		LogicID:      steps.CollectorID,
		Copies:       2,
		Partitioning: rdag.Partitioning{Schema: "dyn", Method: rdag.PartitionMod, Field: "id"},
	})
	b.MustAddHop("gen", "sink")

	res, err := runGraph(t, b.MustBuild(), WithSlots(2, 1))
	assert.NoError(t, err)
	assert.True(t, res.Success)

	copies := res.Copies("sink")
	assert.Equal(t, "PDyn1", copies[0].PartitionID)
	assert.Equal(t, "PDyn3", copies[1].PartitionID)
	assert.Equal(t, int64(10), res.Step("sink").Read)
}

func TestRoundRobinBalance(t *testing.T) {
	for _, tc := range []struct {
		rows   int64
		copies int
	}{
		{rows: 100, copies: 4},
		{rows: 10, copies: 3},
		{rows: 7, copies: 5},
	} {
		t.Run(fmt.Sprintf("%d rows over %d copies", tc.rows, tc.copies), func(t *testing.T) {
			sink := steps.NewSink()
			b := rdag.NewBuilder("rr")
			b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: tc.rows}})
			b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Copies: tc.copies, Config: &steps.CollectorConfig{Sink: sink}})
			b.MustAddHop("gen", "sink")

			res, err := runGraph(t, b.MustBuild())
			assert.NoError(t, err)
			assert.True(t, res.Success)

			lo, hi := int(tc.rows), 0
			for copyNr := range tc.copies {
				n := len(sink.CopyRows(copyNr))
				lo, hi = min(lo, n), max(hi, n)
			}
			assert.True(t, hi-lo <= 1, "spread %d..%d", lo, hi)
			assert.Equal(t, int(tc.rows), sink.Len())
		})
	}
}

func TestCopyToCopyWiring(t *testing.T) {
	b := rdag.NewBuilder("pairs")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Copies: 2, Config: &steps.GeneratorConfig{Limit: 10}})
	b.MustAddNode(rdag.Node{ID: "pass", LogicID: steps.DummyID, Copies: 2})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID})
	b.MustAddHop("gen", "pass")
	b.MustAddHop("pass", "sink")

	res, err := runGraph(t, b.MustBuild())
	assert.NoError(t, err)
	assert.True(t, res.Success)

	gens := res.Copies("gen")
	passes := res.Copies("pass")
	for i := range 2 {
		assert.Equal(t, int64(5), gens[i].Counters.Written)
		assert.Equal(t, gens[i].Counters.Written, passes[i].Counters.Read)
	}
	assert.Equal(t, int64(10), res.Step("sink").Read)
}

func TestErrorHop(t *testing.T) {
	good := steps.NewSink()
	bad := steps.NewSink()

	b := rdag.NewBuilder("errors")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Start: 1, Limit: 9}})
	b.MustAddNode(rdag.Node{ID: "check", LogicID: steps.ValidatorID, Config: &steps.ValidatorConfig{Field: "id", Pattern: `^[124578]$`, Code: "MOD3"}})
	b.MustAddNode(rdag.Node{ID: "good", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: good}})
	b.MustAddNode(rdag.Node{ID: "bad", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: bad}})
	b.MustAddHop("gen", "check")
	b.MustAddHop("check", "good")
	b.MustAddHop("check", "bad", rdag.AsErrorHop())

	res, err := runGraph(t, b.MustBuild())
	assert.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Success)

	assert.Equal(t, 6, good.Len())
	errRows := bad.Rows()
	assert.Equal(t, 3, len(errRows))

	meta := bad.Meta()
	assert.Equal(t, []string{"id", "error_count", "error_description", "error_fields", "error_codes"}, meta.FieldNames())
	descIdx, err := meta.Lookup("error_description")
	assert.NoError(t, err)
	for _, row := range errRows {
		assert.NotZero(t, row[descIdx])
		assert.Equal(t, "MOD3", row[4].(string))
		assert.Equal(t, int64(0), row[0].(int64)%3)
	}

	check := res.Step("check")
	assert.Equal(t, int64(9), check.Read)
	assert.Equal(t, int64(6), check.Written)
	assert.Equal(t, int64(3), check.Rejected)
	assert.Equal(t, int64(0), check.Errors)
}

func TestFatalErrorStopsEveryCopy(t *testing.T) {
	b := rdag.NewBuilder("fatal")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID})
	b.MustAddNode(rdag.Node{ID: "abort", LogicID: steps.AbortID, Config: &steps.AbortConfig{Threshold: 5, Mode: steps.AbortWithError}})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Copies: 2})
	b.MustAddNode(rdag.Node{ID: "other", LogicID: steps.GeneratorID, Copies: 2})
	b.MustAddNode(rdag.Node{ID: "otherPass", LogicID: steps.DummyID})
	b.MustAddHop("gen", "abort")
	b.MustAddHop("abort", "sink")
	b.MustAddHop("other", "otherPass")

	res, err := runGraph(t, b.MustBuild(), WithRowSetSize(10))
	assert.True(t, errors.Is(err, steps.ErrAborted))
	assert.Equal(t, StateError, res.State)
	assert.False(t, res.Success)
	assert.Equal(t, int64(1), res.Errors)

	var fatal *FatalError
	assert.True(t, errors.As(res.FirstError, &fatal))
	assert.Equal(t, rdag.NodeID("abort"), fatal.Step)

	for _, s := range res.Steps {
		if s.Step == "abort" {
			assert.Equal(t, StateError, s.State)
			continue
		}
		assert.Equal(t, StateStopped, s.State, "%s.%d", s.Step, s.Copy)
	}
}

func TestRowErrorWithoutErrorHopIsFatal(t *testing.T) {
	b := rdag.NewBuilder("no-error-hop")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 5}})
	b.MustAddNode(rdag.Node{ID: "check", LogicID: steps.ValidatorID, Config: &steps.ValidatorConfig{Field: "id", Pattern: `^[01]$`}})
	b.MustAddHop("gen", "check")

	res, err := runGraph(t, b.MustBuild())
	var rowErr *rstep.RowProcessingError
	assert.True(t, errors.As(err, &rowErr))
	assert.Equal(t, []string{"id"}, rowErr.Fields)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, int64(1), res.Step("check").Errors)
}

func TestSafeStopDrainsBufferedRows(t *testing.T) {
	sink := steps.NewSink()
	gate := make(chan struct{})

	b := rdag.NewBuilder("safe")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: sink, Gate: gate}})
	b.MustAddHop("gen", "sink")

	tr, err := New(b.MustBuild(), steps.NewRegistry(), WithRowSetSize(3))
	assert.NoError(t, err)
	assert.NoError(t, tr.Prepare(context.Background()))
	assert.NoError(t, tr.Start(context.Background()))

	// The generator fills the row set and blocks on the fourth row.
	waitFor(t, "full row set", func() bool {
		return stepStatus(tr, "gen", 0).Counters.Written == 3
	})
	tr.SafeStop()
	close(gate)

	res := tr.WaitUntilFinished()
	assert.Equal(t, 3, sink.Len())
	assert.Equal(t, StateStopped, res.State)
	assert.True(t, res.Success)
	assert.Equal(t, StateStopped, res.Copies("gen")[0].State)
	assert.Equal(t, StateDone, res.Copies("sink")[0].State)
}

func TestStopAll(t *testing.T) {
	b := rdag.NewBuilder("stop")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID})
	b.MustAddNode(rdag.Node{ID: "pass", LogicID: steps.DummyID, Copies: 3})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID})
	b.MustAddHop("gen", "pass")
	b.MustAddHop("pass", "sink")

	tr, err := New(b.MustBuild(), steps.NewRegistry(), WithRowSetSize(5))
	assert.NoError(t, err)
	assert.NoError(t, tr.Prepare(context.Background()))
	assert.NoError(t, tr.Start(context.Background()))

	waitFor(t, "rows flowing", func() bool {
		return stepStatus(tr, "sink", 0).Counters.Read > 10
	})
	tr.StopAll()
	tr.StopAll()

	res := tr.WaitUntilFinished()
	assert.Equal(t, StateStopped, res.State)
	assert.False(t, res.Success)
	assert.Zero(t, res.FirstError)
	for _, s := range res.Steps {
		assert.Equal(t, StateStopped, s.State, "%s.%d", s.Step, s.Copy)
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	b := rdag.NewBuilder("cancel")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID})
	b.MustAddHop("gen", "sink")

	tr, err := New(b.MustBuild(), steps.NewRegistry())
	assert.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := tr.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateStopped, res.State)
	assert.False(t, res.Success)
}

func TestAbortModes(t *testing.T) {
	for _, tc := range []struct {
		mode    steps.AbortMode
		state   State
		success bool
	}{
		{mode: steps.AbortStop, state: StateStopped, success: false},
		{mode: steps.AbortSafeStop, state: StateStopped, success: true},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			b := rdag.NewBuilder("abort")
			b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID})
			b.MustAddNode(rdag.Node{ID: "abort", LogicID: steps.AbortID, Config: &steps.AbortConfig{Threshold: 20, Mode: tc.mode}})
			b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID})
			b.MustAddHop("gen", "abort")
			b.MustAddHop("abort", "sink")

			res, err := runGraph(t, b.MustBuild(), WithRowSetSize(4))
			assert.NoError(t, err)
			assert.Equal(t, tc.state, res.State)
			assert.Equal(t, tc.success, res.Success)
			assert.True(t, res.Step("abort").Read > 20)
		})
	}
}

func TestFilterRouting(t *testing.T) {
	low := steps.NewSink()
	high := steps.NewSink()

	b := rdag.NewBuilder("filter")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 10}})
	b.MustAddNode(rdag.Node{ID: "split", LogicID: steps.FilterID, Config: &steps.FilterConfig{Field: "id", Op: steps.OpLess, Value: "4", TrueTo: "low", FalseTo: "high"}})
	b.MustAddNode(rdag.Node{ID: "low", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: low}})
	b.MustAddNode(rdag.Node{ID: "high", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: high}})
	b.MustAddHop("gen", "split")
	b.MustAddHop("split", "low")
	b.MustAddHop("split", "high")

	res, err := runGraph(t, b.MustBuild())
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, low.Len())
	assert.Equal(t, 6, high.Len())
}

func TestCopyRowsDistribution(t *testing.T) {
	a := steps.NewSink()
	c := steps.NewSink()

	b := rdag.NewBuilder("broadcast")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Distribution: rdag.CopyRows, Config: &steps.GeneratorConfig{Limit: 25}})
	b.MustAddNode(rdag.Node{ID: "a", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: a}})
	b.MustAddNode(rdag.Node{ID: "c", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: c}})
	b.MustAddHop("gen", "a")
	b.MustAddHop("gen", "c")

	res, err := runGraph(t, b.MustBuild())
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 25, a.Len())
	assert.Equal(t, 25, c.Len())
}

func TestInitFailure(t *testing.T) {
	b := rdag.NewBuilder("init")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 1}})
	b.MustAddNode(rdag.Node{ID: "split", LogicID: steps.FilterID, Config: &steps.FilterConfig{}})
	b.MustAddHop("gen", "split")

	tr, err := New(b.MustBuild(), steps.NewRegistry())
	assert.NoError(t, err)
	res, err := tr.Run(context.Background())

	var cfgErr *rstep.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "split", cfgErr.Step)
	assert.Equal(t, StateError, res.State)
	assert.False(t, res.Success)
	assert.Equal(t, StateError, res.Copies("split")[0].State)
	assert.Equal(t, StateStopped, res.Copies("gen")[0].State)

	assert.True(t, errors.Is(tr.Start(context.Background()), ErrAlreadyStarted))
}

func TestLifecycleErrors(t *testing.T) {
	b := rdag.NewBuilder("phases")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 1}})
	g := b.MustBuild()

	tr := MustNew(g, steps.NewRegistry())
	assert.True(t, errors.Is(tr.Start(context.Background()), ErrNotPrepared))
	assert.Zero(t, tr.WaitUntilFinished())
	assert.NoError(t, tr.Prepare(context.Background()))
	assert.True(t, errors.Is(tr.Prepare(context.Background()), ErrAlreadyPrepared))
	assert.NoError(t, tr.Start(context.Background()))
	assert.True(t, errors.Is(tr.Start(context.Background()), ErrAlreadyStarted))
	assert.True(t, tr.WaitUntilFinished().Success)

	_, err := New(g, rstep.NewRegistry())
	assert.NoError(t, err)
	_, err = New(g, steps.NewRegistry(), WithRowSetSize(0))
	assert.Error(t, err)
	_, err = New(g, steps.NewRegistry(), WithSlots(2, 2))
	assert.Error(t, err)

	res, err := MustNew(g, rstep.NewRegistry()).Run(context.Background())
	assert.True(t, errors.Is(err, rstep.ErrLogicNotFound))
	assert.Equal(t, StateError, res.State)
}

func TestListenerAndParentRun(t *testing.T) {
	var mu sync.Mutex
	kinds := map[EventKind]int{}
	listener := func(e Event) {
		mu.Lock()
		kinds[e.Kind]++
		mu.Unlock()
	}

	b := rdag.NewBuilder("events")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Copies: 2, Config: &steps.GeneratorConfig{Limit: 4}})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID})
	b.MustAddHop("gen", "sink")

	parent := uuid.New()
	res, err := runGraph(t, b.MustBuild(), WithListener(listener), WithParentRun(parent))
	assert.NoError(t, err)
	assert.Equal(t, parent, res.ParentID)
	assert.Equal(t, "events", res.Name)
	assert.NotEqual(t, uuid.Nil, res.RunID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, kinds[EventStarted])
	assert.Equal(t, 3, kinds[EventFinished])
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	b := rdag.NewBuilder("traced")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 3}})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Copies: 2})
	b.MustAddHop("gen", "sink")

	_, err := runGraph(t, b.MustBuild(), WithTracerProvider(tp))
	assert.NoError(t, err)

	names := map[string]int{}
	var runSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		names[s.Name()]++
		if s.Name() == "rowflow.run" {
			runSpan = s
		}
	}
	assert.Equal(t, 1, names["rowflow.prepare"])
	assert.Equal(t, 1, names["rowflow.run"])
	assert.Equal(t, 3, names["rowflow.copy"])

	for _, s := range recorder.Ended() {
		if s.Name() == "rowflow.copy" {
			assert.Equal(t, runSpan.SpanContext().SpanID(), s.Parent().SpanID())
		}
	}
}

// dialLogic blocks in Init until ctx is done, like a client dialing an
// unreachable server.
type dialLogic struct{ steps.Dummy }

func (dialLogic) Init(ctx context.Context, _ rstep.StepContext) error {
	<-ctx.Done()
	return fmt.Errorf("dial: %w", ctx.Err())
}

// badConfigLogic fails its Init shortly after being called.
type badConfigLogic struct{ steps.Dummy }

func (badConfigLogic) Init(_ context.Context, sc rstep.StepContext) error {
	time.Sleep(10 * time.Millisecond)
	return rstep.NewConfigError(string(sc.Node().ID), "broken")
}

// flushLogic forwards rows and, at the end of its input, waits on ctx the
// way a producer flushing to an unreachable broker does.
type flushLogic struct{ steps.Dummy }

func (flushLogic) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		<-ctx.Done()
		return rstep.Done, fmt.Errorf("flush: %w", ctx.Err())
	}
	return rstep.Continue, sc.PutRow(ctx, meta, row)
}

func testRegistry(t *testing.T) *rstep.Registry {
	t.Helper()
	r := steps.NewRegistry()
	for id, logic := range map[string]rstep.Logic{"dial": dialLogic{}, "badconfig": badConfigLogic{}, "flush": flushLogic{}} {
		assert.NoError(t, r.Register(rstep.Plugin{ID: id, New: func(rdag.Node) (rstep.Logic, error) { return logic, nil }}))
	}
	return r
}

func TestInitFailureReportsRootCause(t *testing.T) {
	b := rdag.NewBuilder("init-cause")
	b.MustAddNode(rdag.Node{ID: "connect", LogicID: "dial"})
	b.MustAddNode(rdag.Node{ID: "bad", LogicID: "badconfig"})
	b.MustAddHop("connect", "bad")

	res, err := runWith(t, b.MustBuild(), testRegistry(t))
	var cfgErr *rstep.ConfigError
	assert.True(t, errors.As(err, &cfgErr), "%v", err)
	assert.Equal(t, "bad", cfgErr.Step)

	assert.Equal(t, StateError, res.State)
	assert.Equal(t, int64(1), res.Errors)
	var fatal *FatalError
	assert.True(t, errors.As(res.FirstError, &fatal))
	assert.Equal(t, rdag.NodeID("bad"), fatal.Step)
	assert.Equal(t, StateError, res.Copies("bad")[0].State)
	assert.Equal(t, StateStopped, res.Copies("connect")[0].State)
}

func TestInitInterruptedByContext(t *testing.T) {
	b := rdag.NewBuilder("init-cancel")
	b.MustAddNode(rdag.Node{ID: "connect", LogicID: "dial"})

	tr := MustNew(b.MustBuild(), testRegistry(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Prepare(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	res := tr.WaitUntilFinished()
	assert.Equal(t, StateStopped, res.State)
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), res.Errors)
}

func TestStopAllCancelsBlockedLogic(t *testing.T) {
	b := rdag.NewBuilder("blocked")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Delay: 200 * time.Millisecond}})
	b.MustAddNode(rdag.Node{ID: "out", LogicID: "flush"})
	b.MustAddHop("gen", "out")

	tr := MustNew(b.MustBuild(), testRegistry(t))
	assert.NoError(t, tr.Prepare(context.Background()))
	assert.NoError(t, tr.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	tr.StopAll()

	done := make(chan *Result, 1)
	go func() { done <- tr.WaitUntilFinished() }()
	select {
	case res := <-done:
		assert.Equal(t, StateStopped, res.State)
		assert.False(t, res.Success)
		assert.Equal(t, int64(0), res.Errors)
		assert.Equal(t, StateStopped, res.Copies("out")[0].State)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish after StopAll")
	}
}
