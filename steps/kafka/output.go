package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// OutputConfig configures the Kafka output step.
type OutputConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// KeyField, if set, is formatted as the record key.
	KeyField string `yaml:"keyField"`
	// CreateTopic creates Topic during Init if it does not exist.
	CreateTopic       bool  `yaml:"createTopic"`
	Partitions        int32 `yaml:"partitions"`
	ReplicationFactor int16 `yaml:"replicationFactor"`
}

// Output produces every input row as a JSON record and forwards the row.
// Records are produced asynchronously and flushed when the input ends.
type Output struct {
	cfg    OutputConfig
	client *kgo.Client
	step   string

	meta *rrow.RowMeta
	key  int

	mu      sync.Mutex
	produce error
}

func (o *Output) OutputMeta(_ rdag.Node, inputs []*rrow.RowMeta) (*rrow.RowMeta, error) {
	for _, m := range inputs {
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

func (o *Output) Init(ctx context.Context, sc rstep.StepContext) error {
	o.step = string(sc.Node().ID)
	cfg, err := rstep.ConfigAs[*OutputConfig](sc.Node())
	if err != nil {
		return err
	}
	if cfg == nil {
		return rstep.NewConfigError(o.step, "configuration is required")
	}
	o.cfg = *cfg
	if len(o.cfg.Brokers) == 0 {
		return rstep.NewConfigError(o.step, "brokers are required")
	}
	if o.cfg.Topic == "" {
		return rstep.NewConfigError(o.step, "topic is required")
	}
	o.key = -1
	if meta := sc.InputMeta(); meta != nil && o.cfg.KeyField != "" {
		if o.key, err = meta.Lookup(o.cfg.KeyField); err != nil {
			return rstep.NewConfigError(o.step, "key field: %v", err)
		}
		o.meta = meta
	}

	o.client, err = kgo.NewClient(
		kgo.SeedBrokers(o.cfg.Brokers...),
		kgo.DefaultProduceTopic(o.cfg.Topic),
		kgo.ClientID(fmt.Sprintf("rowflow-%s-%d", o.step, sc.CopyNr())),
	)
	if err != nil {
		return &rstep.ResourceError{Step: o.step, Op: "create kafka client", Err: err}
	}

	// Every copy tries; all but one see TopicAlreadyExists.
	if o.cfg.CreateTopic {
		if err := o.createTopic(ctx); err != nil {
			o.client.Close()
			o.client = nil
			return &rstep.ResourceError{Step: o.step, Op: "create topic " + o.cfg.Topic, Err: err}
		}
	}
	return nil
}

func (o *Output) createTopic(ctx context.Context) error {
	partitions, rf := o.cfg.Partitions, o.cfg.ReplicationFactor
	if partitions < 1 {
		partitions = 1
	}
	if rf < 1 {
		rf = 1
	}
	resp, err := kadm.NewClient(o.client).CreateTopics(ctx, partitions, rf, nil, o.cfg.Topic)
	if err != nil {
		return err
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return r.Err
		}
	}
	return nil
}

func (o *Output) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	if err := o.produceErr(); err != nil {
		return rstep.Done, err
	}

	row, meta, err := sc.GetRow(ctx)
	if err != nil {
		return rstep.Done, err
	}
	if row == nil {
		if err := o.client.Flush(ctx); err != nil {
			return rstep.Done, fmt.Errorf("flush: %w", err)
		}
		return rstep.Done, o.produceErr()
	}

	if meta != o.meta {
		o.meta, o.key = meta, -1
		if o.cfg.KeyField != "" {
			if o.key, err = meta.Lookup(o.cfg.KeyField); err != nil {
				return rstep.Done, err
			}
		}
	}

	value, err := rrow.MarshalJSON(meta, row)
	if err != nil {
		return rstep.Done, &rstep.RowProcessingError{Step: o.step, Meta: meta, Row: row, Err: err}
	}
	rec := &kgo.Record{Value: value}
	if o.key >= 0 && row[o.key] != nil {
		rec.Key = []byte(meta.Field(o.key).Format(row[o.key]))
	}
	o.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			o.setProduceErr(err)
		}
	})

	if err := sc.PutRow(ctx, meta, row); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

func (o *Output) setProduceErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.produce == nil {
		o.produce = err
	}
}

func (o *Output) produceErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.produce == nil {
		return nil
	}
	return &rstep.ResourceError{Step: o.step, Op: "produce to " + o.cfg.Topic, Err: o.produce}
}

func (o *Output) Dispose(context.Context, rstep.StepContext) error {
	if o.client != nil {
		o.client.Close()
	}
	return nil
}
