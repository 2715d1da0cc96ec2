package rowset

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/rowflow/rrow"
)

var testMeta = rrow.MustRowMeta(rrow.NewValueMeta("n", rrow.TypeInteger))

func newTestSet(capacity int) (*RowSet, chan struct{}) {
	stop := make(chan struct{})
	return New(Endpoint{Step: "a"}, Endpoint{Step: "b"}, capacity, stop), stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFIFO(t *testing.T) {
	rs, _ := newTestSet(10)
	ctx := context.Background()
	for i := range 5 {
		assert.NoError(t, rs.Put(ctx, testMeta, rrow.Row{int64(i)}))
	}
	rs.Close()

	for i := range 5 {
		row, st := rs.Get()
		assert.Equal(t, StatusRow, st)
		assert.Equal(t, int64(i), row[0].(int64))
	}
	_, st := rs.Get()
	assert.Equal(t, StatusEnd, st)
	assert.Equal(t, testMeta, rs.Meta())
}

func TestGetEmptyUntilClosed(t *testing.T) {
	rs, _ := newTestSet(1)
	_, st := rs.Get()
	assert.Equal(t, StatusEmpty, st)

	rs.Close()
	rs.Close()
	_, st = rs.Get()
	assert.Equal(t, StatusEnd, st)
	assert.True(t, rs.IsDone())

	err := rs.Put(context.Background(), testMeta, rrow.Row{int64(1)})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestBackpressure(t *testing.T) {
	rs, _ := newTestSet(1)
	ctx := context.Background()

	var written atomic.Int32
	finished := make(chan error, 1)
	go func() {
		for i := range 3 {
			if err := rs.Put(ctx, testMeta, rrow.Row{int64(i)}); err != nil {
				finished <- err
				return
			}
			written.Add(1)
		}
		rs.Close()
		finished <- nil
	}()

	// The first row fills the buffer, the second blocks.
	waitFor(t, func() bool { return written.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), written.Load())

	row, st := rs.Get()
	assert.Equal(t, StatusRow, st)
	assert.Equal(t, int64(0), row[0].(int64))
	waitFor(t, func() bool { return written.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), written.Load())

	var got []int64
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		row, st := rs.Get()
		if st == StatusEnd {
			break
		}
		if st == StatusRow {
			got = append(got, row[0].(int64))
		}
	}
	assert.Equal(t, []int64{1, 2}, got)
	assert.NoError(t, <-finished)
}

func TestStopUnblocksProducer(t *testing.T) {
	t.Run("run stop", func(t *testing.T) {
		rs, stop := newTestSet(1)
		assert.NoError(t, rs.Put(context.Background(), testMeta, rrow.Row{int64(0)}))

		errCh := make(chan error, 1)
		go func() { errCh <- rs.Put(context.Background(), testMeta, rrow.Row{int64(1)}) }()
		close(stop)
		assert.True(t, errors.Is(<-errCh, ErrStopped))
	})

	t.Run("consumer stopped", func(t *testing.T) {
		rs, _ := newTestSet(1)
		assert.NoError(t, rs.Put(context.Background(), testMeta, rrow.Row{int64(0)}))

		errCh := make(chan error, 1)
		go func() { errCh <- rs.Put(context.Background(), testMeta, rrow.Row{int64(1)}) }()
		rs.ConsumerStopped()
		rs.ConsumerStopped()
		assert.True(t, errors.Is(<-errCh, ErrConsumerStopped))
	})

	t.Run("context", func(t *testing.T) {
		rs, _ := newTestSet(1)
		assert.NoError(t, rs.Put(context.Background(), testMeta, rrow.Row{int64(0)}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := rs.Put(ctx, testMeta, rrow.Row{int64(1)})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestFreezeDrainsSnapshot(t *testing.T) {
	rs, _ := newTestSet(5)
	ctx := context.Background()
	for i := range 3 {
		assert.NoError(t, rs.Put(ctx, testMeta, rrow.Row{int64(i)}))
	}
	rs.Freeze()

	err := rs.Put(ctx, testMeta, rrow.Row{int64(9)})
	assert.True(t, errors.Is(err, ErrStopped))

	var got []int64
	for {
		row, st := rs.Get()
		if st != StatusRow {
			assert.Equal(t, StatusEnd, st)
			break
		}
		got = append(got, row[0].(int64))
	}
	assert.Equal(t, []int64{0, 1, 2}, got)
}

func TestMetaChange(t *testing.T) {
	rs, _ := newTestSet(5)
	ctx := context.Background()
	assert.NoError(t, rs.Put(ctx, testMeta, rrow.Row{int64(1)}))

	same := rrow.MustRowMeta(rrow.NewValueMeta("n", rrow.TypeInteger))
	assert.NoError(t, rs.Put(ctx, same, rrow.Row{int64(2)}))

	other := rrow.MustRowMeta(rrow.NewValueMeta("s", rrow.TypeString))
	err := rs.Put(ctx, other, rrow.Row{"x"})
	assert.True(t, errors.Is(err, ErrMetaChanged))
}

func TestNotify(t *testing.T) {
	rs, _ := newTestSet(5)
	notify := make(chan struct{}, 1)
	rs.SetNotify(notify)

	assert.NoError(t, rs.Put(context.Background(), testMeta, rrow.Row{int64(1)}))
	assert.NoError(t, rs.Put(context.Background(), testMeta, rrow.Row{int64(2)}))
	select {
	case <-notify:
	default:
		t.Fatal("expected notification")
	}
	rs.Close()
	select {
	case <-notify:
	default:
		t.Fatal("expected notification on close")
	}
}

func TestRoundTripEveryType(t *testing.T) {
	meta := rrow.MustRowMeta(
		rrow.NewValueMeta("s", rrow.TypeString),
		rrow.NewValueMeta("i", rrow.TypeInteger),
		rrow.NewValueMeta("f", rrow.TypeNumber),
		rrow.NewValueMeta("b", rrow.TypeBoolean),
		rrow.NewValueMeta("d", rrow.TypeDate),
		rrow.NewValueMeta("bin", rrow.TypeBinary),
	)
	when := time.Date(2024, 2, 29, 13, 14, 15, 123456789, time.UTC)
	rows := []rrow.Row{
		{"héllo", int64(-42), 3.25, true, when, []byte{0x00, 0xff, 0x10}},
		{"", int64(0), -0.5, false, time.Unix(0, 0).UTC(), []byte{}},
		{nil, nil, nil, nil, nil, nil},
	}

	rs, _ := newTestSet(len(rows))
	ctx := context.Background()
	for _, row := range rows {
		assert.NoError(t, rs.Put(ctx, meta, row))
	}
	rs.Close()

	for _, want := range rows {
		got, st := rs.Get()
		assert.Equal(t, StatusRow, st)
		assert.Equal(t, want, got)
		assert.NoError(t, rs.Meta().Validate(got))
	}
	_, st := rs.Get()
	assert.Equal(t, StatusEnd, st)

	assert.Equal(t, []string{"s", "i", "f", "b", "d", "bin"}, rs.Meta().FieldNames())
	for i, f := range rs.Meta().Fields() {
		assert.Equal(t, meta.Field(i), f)
	}
}

func TestFreezeKeepsEveryAcceptedRow(t *testing.T) {
	for range 50 {
		rs, _ := newTestSet(10000)
		ctx := context.Background()

		var accepted atomic.Int64
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := int64(0); ; i++ {
				if err := rs.Put(ctx, testMeta, rrow.Row{i}); err != nil {
					assert.True(t, errors.Is(err, ErrStopped))
					return
				}
				accepted.Add(1)
			}
		}()
		waitFor(t, func() bool { return rs.Len() > 10 })
		rs.Freeze()
		<-done

		var read int64
		for {
			_, st := rs.Get()
			if st != StatusRow {
				assert.Equal(t, StatusEnd, st)
				break
			}
			read++
		}
		assert.Equal(t, accepted.Load(), read)
	}
}
