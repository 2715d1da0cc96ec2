package steps

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
)

// Sink stores the rows received by the copies of a collector step. It is
// safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	meta   *rrow.RowMeta
	rows   []rrow.Row
	byCopy map[int][]rrow.Row
}

func NewSink() *Sink {
	return &Sink{byCopy: map[int][]rrow.Row{}}
}

func (s *Sink) add(copyNr int, meta *rrow.RowMeta, row rrow.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		s.meta = meta
	}
	s.rows = append(s.rows, row)
	s.byCopy[copyNr] = append(s.byCopy[copyNr], row)
}

// Rows returns every row received, in arrival order.
func (s *Sink) Rows() []rrow.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rrow.Row(nil), s.rows...)
}

// CopyRows returns the rows received by one copy.
func (s *Sink) CopyRows(copyNr int) []rrow.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rrow.Row(nil), s.byCopy[copyNr]...)
}

// Meta returns the layout of the first row received.
func (s *Sink) Meta() *rrow.RowMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// CollectorConfig configures the collector step.
type CollectorConfig struct {
	Sink *Sink `yaml:"-"`
	// Gate, if set, holds the step back until it is closed.
	Gate <-chan struct{} `yaml:"-"`
	// Delay is slept after each row.
	Delay time.Duration `yaml:"delay"`
	// Print writes every row as a JSON line to Output, os.Stdout if nil.
	Print  bool      `yaml:"print"`
	Output io.Writer `yaml:"-"`
}

// Collector stores its input rows in a Sink and optionally prints them.
type Collector struct {
	cfg    CollectorConfig
	copyNr int
	waited bool
	out    *lockedWriter
}

var (
	stdoutOnce sync.Once
	stdout     *lockedWriter
)

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) writeLine(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	_, err := l.w.Write([]byte{'\n'})
	return err
}

func (c *Collector) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	return passThroughMeta(inputs), nil
}

func (c *Collector) Init(_ context.Context, sc rstep.StepContext) error {
	cfg, err := rstep.ConfigAs[*CollectorConfig](sc.Node())
	if err != nil {
		return err
	}
	if cfg != nil {
		c.cfg = *cfg
	}
	if c.cfg.Sink == nil {
		c.cfg.Sink = NewSink()
	}
	if c.cfg.Print {
		if c.cfg.Output != nil {
			c.out = &lockedWriter{w: c.cfg.Output}
		} else {
			stdoutOnce.Do(func() { stdout = &lockedWriter{w: os.Stdout} })
			c.out = stdout
		}
	}
	c.copyNr = sc.CopyNr()
	return nil
}

func (c *Collector) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	if c.cfg.Gate != nil && !c.waited {
		select {
		case <-c.cfg.Gate:
			c.waited = true
		case <-ctx.Done():
			return rstep.Done, ctx.Err()
		}
	}

	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		return rstep.Done, nil
	}
	c.cfg.Sink.add(c.copyNr, meta, row)

	if c.out != nil {
		b, err := rrow.MarshalJSON(meta, row)
		if err != nil {
			return rstep.Done, &rstep.RowProcessingError{Step: string(sc.Node().ID), Meta: meta, Row: row, Err: err}
		}
		if err := c.out.writeLine(b); err != nil {
			return rstep.Done, &rstep.ResourceError{Step: string(sc.Node().ID), Op: "print row", Err: err}
		}
	}

	if c.cfg.Delay > 0 {
		select {
		case <-time.After(c.cfg.Delay):
		case <-ctx.Done():
			return rstep.Done, ctx.Err()
		}
	}

	if err := sc.PutRow(ctx, meta, row); err != nil {
		return rstep.Done, fmt.Errorf("forward row: %w", err)
	}
	return rstep.Continue, nil
}

func (c *Collector) Dispose(context.Context, rstep.StepContext) error {
	return nil
}
