package sortrows_test

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/rowflow"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/steps"
	"github.com/birdayz/rowflow/steps/sortrows"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/go-cmp/cmp"
)

func runSort(t *testing.T, gen *steps.GeneratorConfig, cfg *sortrows.Config) []rrow.Row {
	t.Helper()
	reg := steps.NewRegistry()
	assert.NoError(t, reg.Register(sortrows.Plugin()))

	sink := steps.NewSink()
	b := rdag.NewBuilder("sort")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: gen})
	b.MustAddNode(rdag.Node{ID: "sort", LogicID: sortrows.ID, Config: cfg})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: sink}})
	b.MustAddHop("gen", "sort")
	b.MustAddHop("sort", "sink")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := rowflow.MustNew(b.MustBuild(), reg, rowflow.WithRowSetSize(16)).Run(ctx)
	assert.NoError(t, err)
	assert.True(t, res.Success)
	assert.NoError(t, res.DisposeErr)
	return sink.Rows()
}

func TestSortDescending(t *testing.T) {
	rows := runSort(t,
		&steps.GeneratorConfig{Limit: 50},
		&sortrows.Config{Fields: []sortrows.Field{{Name: "id", Descending: true}}, FS: vfs.NewMem()},
	)
	assert.Equal(t, 50, len(rows))
	for i, row := range rows {
		assert.Equal(t, int64(49-i), row[0].(int64))
	}
}

func TestSortIsStable(t *testing.T) {
	rows := runSort(t,
		&steps.GeneratorConfig{Limit: 9, Values: []string{"c", "a", "b"}},
		&sortrows.Config{Fields: []sortrows.Field{{Name: "value"}}, FS: vfs.NewMem()},
	)
	want := []rrow.Row{
		{int64(1), "a"}, {int64(4), "a"}, {int64(7), "a"},
		{int64(2), "b"}, {int64(5), "b"}, {int64(8), "b"},
		{int64(0), "c"}, {int64(3), "c"}, {int64(6), "c"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("sorted rows (-want +got):\n%s", diff)
	}
}

func TestSortOnDisk(t *testing.T) {
	rows := runSort(t,
		&steps.GeneratorConfig{Limit: 20, Values: []string{"x", "y"}},
		&sortrows.Config{Fields: []sortrows.Field{{Name: "value", Descending: true}, {Name: "id"}}, Dir: t.TempDir()},
	)
	assert.Equal(t, 20, len(rows))
	assert.Equal(t, rrow.Row{int64(1), "y"}, rows[0])
	assert.Equal(t, rrow.Row{int64(18), "x"}, rows[19])
}

func TestSortEmptyInput(t *testing.T) {
	reg := steps.NewRegistry()
	assert.NoError(t, reg.Register(sortrows.Plugin()))

	sink := steps.NewSink()
	b := rdag.NewBuilder("sort")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 5}})
	b.MustAddNode(rdag.Node{ID: "none", LogicID: steps.FilterID, Config: &steps.FilterConfig{Field: "id", Op: steps.OpGreater, Value: "100", TrueTo: "sort"}})
	b.MustAddNode(rdag.Node{ID: "sort", LogicID: sortrows.ID, Config: &sortrows.Config{Fields: []sortrows.Field{{Name: "id"}}, FS: vfs.NewMem()}})
	b.MustAddNode(rdag.Node{ID: "sink", LogicID: steps.CollectorID, Config: &steps.CollectorConfig{Sink: sink}})
	b.MustAddHop("gen", "none")
	b.MustAddHop("none", "sort")
	b.MustAddHop("sort", "sink")

	res, err := rowflow.MustNew(b.MustBuild(), reg).Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, rowflow.StateDone, res.State)
	assert.Equal(t, 0, sink.Len())
}

func TestSortUnknownField(t *testing.T) {
	reg := steps.NewRegistry()
	assert.NoError(t, reg.Register(sortrows.Plugin()))

	b := rdag.NewBuilder("sort")
	b.MustAddNode(rdag.Node{ID: "gen", LogicID: steps.GeneratorID, Config: &steps.GeneratorConfig{Limit: 1}})
	b.MustAddNode(rdag.Node{ID: "sort", LogicID: sortrows.ID, Config: &sortrows.Config{Fields: []sortrows.Field{{Name: "nope"}}, FS: vfs.NewMem()}})
	b.MustAddHop("gen", "sort")

	res, err := rowflow.MustNew(b.MustBuild(), reg).Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, rowflow.StateError, res.State)
}

func TestKeyOrder(t *testing.T) {
	for name, values := range map[string][]any{
		"integers": {nil, int64(math.MinInt64), int64(-5), int64(0), int64(3), int64(math.MaxInt64)},
		"numbers":  {nil, math.Inf(-1), -2.5, -0.1, 0.0, 0.1, 7.0, math.Inf(1)},
		"strings":  {nil, "", "a", "a\x00", "a\x00b", "ab", "b"},
		"booleans": {nil, false, true},
		"dates": {
			nil,
			time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(1500, 1, 1, 0, 0, 0, 1, time.UTC),
			time.Unix(-10, 0), time.Unix(0, 0), time.Unix(0, 1), time.Unix(1e9, 0),
			time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		"binary": {nil, []byte{}, []byte{0}, []byte{0, 0}, []byte{1}},
	} {
		t.Run(name, func(t *testing.T) {
			for _, desc := range []bool{false, true} {
				var prev []byte
				for i, v := range values {
					k, err := sortrows.AppendKey(nil, v, desc)
					assert.NoError(t, err)
					if i > 0 {
						c := bytes.Compare(prev, k)
						if desc {
							assert.Equal(t, 1, c, "%v desc", v)
						} else {
							assert.Equal(t, -1, c, "%v", v)
						}
					}
					prev = k
				}
			}
		})
	}
}

func TestRowKeyShortRow(t *testing.T) {
	_, err := sortrows.RowKeyAt(rrow.Row{int64(1)}, 2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "row has 1 values")

	k, err := sortrows.RowKeyAt(rrow.Row{int64(1), "x"}, 1)
	assert.NoError(t, err)
	assert.NotZero(t, len(k))
}
