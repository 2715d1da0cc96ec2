package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/birdayz/rowflow/internal/partition"
	"github.com/birdayz/rowflow/internal/rowset"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// Target is one outgoing hop of a producer copy with the row sets that
// implement it.
type Target struct {
	Hop rdag.Hop

	// Sets holds one row set per reachable consumer copy. For partitioned
	// targets Sets[i] leads to consumer copy i.
	Sets []*rowset.RowSet

	// Partitioner and Table are set when the consumer is partitioned.
	Partitioner partition.Partitioner
	Table       *partition.Table

	// Counter drives round robin across Sets. It may be shared by all
	// producer copies of the hop.
	Counter *atomic.Uint64
}

func (t *Target) put(ctx context.Context, meta *rrow.RowMeta, row rrow.Row) error {
	set, err := t.pick(meta, row)
	if err != nil {
		return err
	}
	return translatePutError(set.Put(ctx, meta, row))
}

func (t *Target) pick(meta *rrow.RowMeta, row rrow.Row) (*rowset.RowSet, error) {
	switch {
	case len(t.Sets) == 0:
		return nil, fmt.Errorf("hop %s has no row sets", t.Hop)
	case t.Partitioner != nil:
		p, err := t.Partitioner.Partition(meta, row)
		if err != nil {
			return nil, fmt.Errorf("partition row for %s: %w", t.Hop.To, err)
		}
		owner := t.Table.Owner(p)
		if owner >= len(t.Sets) {
			return nil, fmt.Errorf("partition %d owned by copy %d, hop %s has %d row sets", p, owner, t.Hop, len(t.Sets))
		}
		return t.Sets[owner], nil
	case len(t.Sets) == 1:
		return t.Sets[0], nil
	default:
		n := t.Counter.Add(1) - 1
		return t.Sets[n%uint64(len(t.Sets))], nil
	}
}

func (t *Target) close() {
	for _, s := range t.Sets {
		s.Close()
	}
}

func translatePutError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rowset.ErrConsumerStopped):
		return fmt.Errorf("%w: %w", rstep.ErrChannelClosed, err)
	case errors.Is(err, rowset.ErrStopped):
		return fmt.Errorf("%w: %w", rstep.ErrStopped, err)
	default:
		return err
	}
}

// Distributor hands the rows of one producer copy to its outgoing hops.
// It is owned by a single copy and not safe for concurrent use.
type Distributor struct {
	mode rdag.DistributionMode

	targets  []*Target
	byStep   map[rdag.NodeID]*Target
	errorHop *Target

	next int
}

func NewDistributor(mode rdag.DistributionMode) *Distributor {
	return &Distributor{mode: mode, byStep: map[rdag.NodeID]*Target{}}
}

// Add registers an outgoing hop. The error hop is kept apart and never
// receives rows through Put.
func (d *Distributor) Add(t *Target) {
	if t.Counter == nil {
		t.Counter = &atomic.Uint64{}
	}
	if t.Hop.Error {
		d.errorHop = t
		return
	}
	d.targets = append(d.targets, t)
	d.byStep[t.Hop.To] = t
}

func (d *Distributor) HasErrorHop() bool {
	return d.errorHop != nil
}

// Targets returns the normal outgoing hops in registration order.
func (d *Distributor) Targets() []*Target {
	return d.targets
}

// Put sends a row to the normal hops: to one of them in turn for
// DistributeRows, to all of them for CopyRows. Rows without any normal
// hop are dropped.
func (d *Distributor) Put(ctx context.Context, meta *rrow.RowMeta, row rrow.Row) error {
	switch {
	case len(d.targets) == 0:
		return nil
	case len(d.targets) == 1:
		return d.targets[0].put(ctx, meta, row)
	case d.mode == rdag.CopyRows:
		last := len(d.targets) - 1
		for i, t := range d.targets {
			r := row
			if i < last {
				r = row.Clone()
			}
			if err := t.put(ctx, meta, r); err != nil {
				return err
			}
		}
		return nil
	default:
		t := d.targets[d.next%len(d.targets)]
		d.next++
		return t.put(ctx, meta, row)
	}
}

// PutTo sends a row to the hop leading to step only.
func (d *Distributor) PutTo(ctx context.Context, step rdag.NodeID, meta *rrow.RowMeta, row rrow.Row) error {
	t, ok := d.byStep[step]
	if !ok {
		return fmt.Errorf("%w: %s", rstep.ErrUnknownTarget, step)
	}
	return t.put(ctx, meta, row)
}

// PutError sends a row to the error hop.
func (d *Distributor) PutError(ctx context.Context, meta *rrow.RowMeta, row rrow.Row) error {
	if d.errorHop == nil {
		return fmt.Errorf("%w: no error hop", rstep.ErrUnknownTarget)
	}
	return d.errorHop.put(ctx, meta, row)
}

// Close signals end of stream on every outgoing row set. Idempotent.
func (d *Distributor) Close() {
	for _, t := range d.targets {
		t.close()
	}
	if d.errorHop != nil {
		d.errorHop.close()
	}
}

// Freeze freezes every outgoing row set, see rowset.RowSet.Freeze.
func (d *Distributor) Freeze() {
	for _, t := range d.targets {
		for _, s := range t.Sets {
			s.Freeze()
		}
	}
	if d.errorHop != nil {
		for _, s := range d.errorHop.Sets {
			s.Freeze()
		}
	}
}
