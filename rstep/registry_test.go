package rstep

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
)

type noopLogic struct{}

func (noopLogic) Init(context.Context, StepContext) error { return nil }
func (noopLogic) ProcessRow(context.Context, StepContext) (Result, error) {
	return Done, nil
}
func (noopLogic) Dispose(context.Context, StepContext) error { return nil }

type testConfig struct{ Limit int }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Plugin{
		ID:        "noop",
		New:       func(rdag.Node) (Logic, error) { return noopLogic{}, nil },
		NewConfig: func() any { return &testConfig{} },
	})

	t.Run("lookup", func(t *testing.T) {
		p, err := r.Lookup("noop")
		assert.NoError(t, err)
		assert.Equal(t, "noop", p.ID)
		_, isCfg := p.NewConfig().(*testConfig)
		assert.True(t, isCfg)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.New(rdag.Node{ID: "x", LogicID: "missing"})
		assert.True(t, errors.Is(err, ErrLogicNotFound))
	})

	t.Run("duplicate", func(t *testing.T) {
		err := r.Register(Plugin{ID: "noop", New: func(rdag.Node) (Logic, error) { return noopLogic{}, nil }})
		assert.True(t, errors.Is(err, ErrLogicAlreadyExists))
	})

	t.Run("ids sorted", func(t *testing.T) {
		r.MustRegister(Plugin{ID: "aaa", New: func(rdag.Node) (Logic, error) { return noopLogic{}, nil }})
		assert.Equal(t, []string{"aaa", "noop"}, r.IDs())
	})
}

func TestConfigAs(t *testing.T) {
	cfg, err := ConfigAs[*testConfig](rdag.Node{ID: "a", Config: &testConfig{Limit: 3}})
	assert.NoError(t, err)
	assert.Equal(t, 3, cfg.Limit)

	cfg, err = ConfigAs[*testConfig](rdag.Node{ID: "a"})
	assert.NoError(t, err)
	assert.Zero(t, cfg)

	_, err = ConfigAs[*testConfig](rdag.Node{ID: "a", Config: "nope"})
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "a", cfgErr.Step)
}

func TestRowProcessingErrorMessage(t *testing.T) {
	err := &RowProcessingError{
		Step:     "validate",
		Row:      rrow.Row{"x"},
		RowError: RowError{Description: "empty name", Fields: []string{"name", "id"}},
		Err:      errors.New("boom"),
	}
	assert.Equal(t, "step validate: row error: empty name (fields name,id): boom", err.Error())
	assert.True(t, IsStopSignal(ErrChannelClosed))
	assert.False(t, IsStopSignal(err))
}
