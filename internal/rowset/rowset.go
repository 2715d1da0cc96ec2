// Package rowset implements the bounded FIFO channel that connects exactly one
// producer step copy to exactly one consumer step copy.
package rowset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/birdayz/rowflow/rrow"
)

var (
	// ErrClosed is returned by Put after the producer closed the row set.
	ErrClosed = errors.New("row set closed")
	// ErrConsumerStopped is returned by Put once the consumer has stopped.
	ErrConsumerStopped = errors.New("consumer stopped")
	// ErrStopped is returned by Put when the run is stopping.
	ErrStopped = errors.New("row set stopped")
	// ErrMetaChanged is returned when a row's layout differs from the layout
	// of the rows already written.
	ErrMetaChanged = errors.New("row meta changed mid-stream")
)

// Status is the outcome of a non-blocking Get.
type Status int

const (
	// StatusRow means a row was returned.
	StatusRow Status = iota
	// StatusEmpty means no row is buffered right now; retry later.
	StatusEmpty
	// StatusEnd means the producer closed the row set and it is drained,
	// or the row set was frozen and its snapshot is drained.
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusRow:
		return "row"
	case StatusEmpty:
		return "empty"
	case StatusEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Endpoint identifies a step copy.
type Endpoint struct {
	Step string
	Copy int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s.%d", e.Step, e.Copy)
}

// RowSet is a bounded queue of rows. Put is only called by the producer and
// Get only by the consumer; the other methods are safe from any goroutine.
type RowSet struct {
	producer Endpoint
	consumer Endpoint

	queue chan rrow.Row
	meta  atomic.Pointer[rrow.RowMeta]

	done      atomic.Bool
	closeOnce sync.Once

	consumerGone chan struct{}
	goneOnce     sync.Once

	// mu orders enqueues against Freeze.
	mu         sync.Mutex
	frozen     chan struct{}
	freezeOnce sync.Once
	remaining  atomic.Int64

	// space gets a token whenever the consumer takes a row.
	space chan struct{}

	stop   <-chan struct{}
	notify chan struct{}
}

// New creates a row set holding at most capacity rows. stop is the run-wide
// stop signal; when it is closed, blocked producers return ErrStopped.
func New(producer, consumer Endpoint, capacity int, stop <-chan struct{}) *RowSet {
	if capacity < 1 {
		capacity = 1
	}
	return &RowSet{
		producer:     producer,
		consumer:     consumer,
		queue:        make(chan rrow.Row, capacity),
		consumerGone: make(chan struct{}),
		frozen:       make(chan struct{}),
		space:        make(chan struct{}, 1),
		stop:         stop,
	}
}

// SetNotify registers a channel that receives a non-blocking signal whenever
// a row is added, the row set is closed, or it is frozen. The consumer shares
// one notify channel across all of its inputs. Must be called before use.
func (rs *RowSet) SetNotify(ch chan struct{}) {
	rs.notify = ch
}

func (rs *RowSet) Producer() Endpoint { return rs.producer }
func (rs *RowSet) Consumer() Endpoint { return rs.consumer }
func (rs *RowSet) Cap() int           { return cap(rs.queue) }
func (rs *RowSet) Len() int           { return len(rs.queue) }

// Meta returns the layout of the rows in this row set, nil before the first row.
func (rs *RowSet) Meta() *rrow.RowMeta {
	return rs.meta.Load()
}

// IsDone reports whether the producer closed the row set.
func (rs *RowSet) IsDone() bool {
	return rs.done.Load()
}

// Put appends a row, blocking while the row set is full. It returns early
// with ErrConsumerStopped, ErrStopped or the context error instead of
// blocking forever.
func (rs *RowSet) Put(ctx context.Context, meta *rrow.RowMeta, row rrow.Row) error {
	if rs.done.Load() {
		return ErrClosed
	}
	if err := rs.checkMeta(meta); err != nil {
		return err
	}

	for {
		if err := rs.tryPut(row); !errors.Is(err, errFull) {
			if err == nil {
				rs.signal()
			}
			return err
		}
		select {
		case <-rs.space:
		case <-rs.consumerGone:
			return ErrConsumerStopped
		case <-rs.frozen:
			return ErrStopped
		case <-rs.stop:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errFull = errors.New("row set full")

// tryPut enqueues row without blocking. It holds mu so a row is either
// counted by a concurrent Freeze or rejected.
func (rs *RowSet) tryPut(row rrow.Row) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	select {
	case <-rs.consumerGone:
		return ErrConsumerStopped
	case <-rs.frozen:
		return ErrStopped
	case <-rs.stop:
		return ErrStopped
	default:
	}
	select {
	case rs.queue <- row:
		return nil
	default:
		return errFull
	}
}

func (rs *RowSet) checkMeta(meta *rrow.RowMeta) error {
	if meta == nil {
		return fmt.Errorf("%w: nil row meta on %s", ErrMetaChanged, rs)
	}
	if rs.meta.CompareAndSwap(nil, meta) {
		return nil
	}
	current := rs.meta.Load()
	if current == meta || current.Compatible(meta) {
		return nil
	}
	return fmt.Errorf("%w: %s carries %s, got %s", ErrMetaChanged, rs, current, meta)
}

// Get takes the next row without blocking.
func (rs *RowSet) Get() (rrow.Row, Status) {
	if rs.isFrozen() {
		if rs.remaining.Load() <= 0 {
			return nil, StatusEnd
		}
		select {
		case row := <-rs.queue:
			rs.remaining.Add(-1)
			return row, StatusRow
		default:
			return nil, StatusEnd
		}
	}

	select {
	case row := <-rs.queue:
		rs.freed()
		return row, StatusRow
	default:
	}

	// Close happens after the last Put, so a second look at the queue after
	// observing done cannot miss a row.
	if rs.done.Load() {
		select {
		case row := <-rs.queue:
			return row, StatusRow
		default:
			return nil, StatusEnd
		}
	}
	return nil, StatusEmpty
}

// Close marks the end of the stream. Buffered rows stay readable. Idempotent.
func (rs *RowSet) Close() {
	rs.closeOnce.Do(func() {
		rs.done.Store(true)
		rs.signal()
	})
}

// ConsumerStopped tells the producer side that nobody will read anymore.
// Idempotent.
func (rs *RowSet) ConsumerStopped() {
	rs.goneOnce.Do(func() {
		close(rs.consumerGone)
	})
}

// Freeze limits the consumer to the rows buffered right now and makes every
// further Put fail with ErrStopped. Used for safe stops. Idempotent.
func (rs *RowSet) Freeze() {
	rs.freezeOnce.Do(func() {
		rs.mu.Lock()
		rs.remaining.Store(int64(len(rs.queue)))
		close(rs.frozen)
		rs.mu.Unlock()
		rs.signal()
	})
}

func (rs *RowSet) freed() {
	select {
	case rs.space <- struct{}{}:
	default:
	}
}

func (rs *RowSet) isFrozen() bool {
	select {
	case <-rs.frozen:
		return true
	default:
		return false
	}
}

func (rs *RowSet) signal() {
	if rs.notify == nil {
		return
	}
	select {
	case rs.notify <- struct{}{}:
	default:
	}
}

func (rs *RowSet) String() string {
	return rs.producer.String() + " -> " + rs.consumer.String()
}
