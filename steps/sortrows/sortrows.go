// Package sortrows provides a step that sorts its input on one or more
// fields. Rows are spilled to an embedded Pebble store keyed by an order
// preserving encoding of the sort fields, so inputs larger than memory can
// be sorted.
package sortrows

import (
	"context"
	"fmt"
	"os"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/multierr"
)

const ID = "sortrows"

// Field is one sort field.
type Field struct {
	Name       string `yaml:"name"`
	Descending bool   `yaml:"descending"`
}

// Config configures the sort step.
type Config struct {
	Fields []Field `yaml:"fields"`
	// Dir is the parent of the temporary store directory, os.TempDir if
	// empty.
	Dir string `yaml:"dir"`
	// FS, if set, replaces the disk. Used in tests with vfs.NewMem.
	FS vfs.FS `yaml:"-"`
}

func Plugin() rstep.Plugin {
	return rstep.Plugin{
		ID:          ID,
		Description: "Sorts rows on one or more fields",
		New:         func(rdag.Node) (rstep.Logic, error) { return &Sort{}, nil },
		NewConfig:   func() any { return &Config{} },
	}
}

type sortKey struct {
	name       string
	index      int
	descending bool
}

// Sort reads every input row into the store, then emits them in key order.
type Sort struct {
	cfg    Config
	db     *pebble.DB
	tmpDir string

	meta *rrow.RowMeta
	keys []sortKey
	key  []byte
	seq  uint64

	iter *pebble.Iterator
}

func (s *Sort) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	for _, m := range inputs {
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

func (s *Sort) Init(_ context.Context, sc rstep.StepContext) error {
	step := string(sc.Node().ID)
	cfg, err := rstep.ConfigAs[*Config](sc.Node())
	if err != nil {
		return err
	}
	if cfg == nil || len(cfg.Fields) == 0 {
		return rstep.NewConfigError(step, "at least one sort field is required")
	}
	s.cfg = *cfg
	if meta := sc.InputMeta(); meta != nil {
		if err := s.resolve(meta); err != nil {
			return rstep.NewConfigError(step, "%v", err)
		}
	}

	opts := &pebble.Options{DisableWAL: true}
	dir := fmt.Sprintf("sort-%s-%d", step, sc.CopyNr())
	if s.cfg.FS != nil {
		opts.FS = s.cfg.FS
	} else {
		s.tmpDir, err = os.MkdirTemp(s.cfg.Dir, "rowflow-"+dir+"-")
		if err != nil {
			return &rstep.ResourceError{Step: step, Op: "create sort directory", Err: err}
		}
		dir = s.tmpDir
	}
	s.db, err = pebble.Open(dir, opts)
	if err != nil {
		return &rstep.ResourceError{Step: step, Op: "open sort store", Err: err}
	}
	return nil
}

func (s *Sort) resolve(meta *rrow.RowMeta) error {
	keys := make([]sortKey, 0, len(s.cfg.Fields))
	for _, f := range s.cfg.Fields {
		idx, err := meta.Lookup(f.Name)
		if err != nil {
			return err
		}
		keys = append(keys, sortKey{name: f.Name, index: idx, descending: f.Descending})
	}
	s.meta, s.keys = meta, keys
	return nil
}

func (s *Sort) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	if s.iter != nil {
		return s.emit(ctx, sc)
	}

	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		if s.seq == 0 {
			return rstep.Done, nil
		}
		sc.Logger().Debug("Sorted rows", "rows", s.seq)
		s.iter, err = s.db.NewIter(nil)
		if err != nil {
			return rstep.Done, fmt.Errorf("open sort iterator: %w", err)
		}
		s.iter.First()
		return s.emit(ctx, sc)
	}

	if meta != s.meta {
		if err := s.resolve(meta); err != nil {
			return rstep.Done, err
		}
	}
	s.key, err = rowKey(s.key, s.keys, row, s.seq)
	if err != nil {
		return rstep.Done, &rstep.RowProcessingError{Step: string(sc.Node().ID), Meta: meta, Row: row, Err: err}
	}
	value, err := rrow.MarshalJSON(meta, row)
	if err != nil {
		return rstep.Done, &rstep.RowProcessingError{Step: string(sc.Node().ID), Meta: meta, Row: row, Err: err}
	}
	if err := s.db.Set(s.key, value, pebble.NoSync); err != nil {
		return rstep.Done, fmt.Errorf("store row: %w", err)
	}
	s.seq++
	return rstep.Continue, nil
}

func (s *Sort) emit(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	if !s.iter.Valid() {
		if err := s.iter.Error(); err != nil {
			return rstep.Done, fmt.Errorf("read sorted rows: %w", err)
		}
		return rstep.Done, nil
	}
	value, err := s.iter.ValueAndErr()
	if err != nil {
		return rstep.Done, fmt.Errorf("read sorted rows: %w", err)
	}
	row, err := rrow.UnmarshalJSON(s.meta, value)
	if err != nil {
		return rstep.Done, err
	}
	if err := sc.PutRow(ctx, s.meta, row); err != nil {
		return rstep.Done, err
	}
	s.iter.Next()
	return rstep.Continue, nil
}

func (s *Sort) Dispose(context.Context, rstep.StepContext) error {
	var err error
	if s.iter != nil {
		err = multierr.Append(err, s.iter.Close())
	}
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	if s.tmpDir != "" {
		err = multierr.Append(err, os.RemoveAll(s.tmpDir))
	}
	return err
}
