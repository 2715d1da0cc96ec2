package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/birdayz/rowflow/rdag"
	"github.com/birdayz/rowflow/rrow"
	"github.com/birdayz/rowflow/rstep"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultPollTimeout = time.Second

// InputConfig configures the Kafka input step.
type InputConfig struct {
	Brokers []string `yaml:"brokers"`
	Topics  []string `yaml:"topics"`
	// Group is the consumer group. It is required with more than one copy,
	// the copies then share the topic partitions.
	Group  string  `yaml:"group"`
	Fields []Field `yaml:"fields"`
	// IncludeMetadata appends topic, partition, offset and key fields.
	IncludeMetadata bool `yaml:"includeMetadata"`
	// MaxRows ends the step after this many rows. Zero is unlimited.
	MaxRows int64 `yaml:"maxRows"`
	// IdleTimeout ends the step when no record arrived for this long. Zero
	// keeps polling until the run is stopped.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

// Input is a source step reading JSON records. Records that cannot be
// decoded are flagged with PutError: a row of nulls (plus metadata) goes to
// the error hop, or the run fails.
type Input struct {
	cfg       InputConfig
	meta      *rrow.RowMeta
	valueMeta *rrow.RowMeta
	client    *kgo.Client

	pending  []*kgo.Record
	read     int64
	lastData time.Time
}

func (in *Input) OutputMeta(node rdag.Node, _ []*rrow.RowMeta) (*rrow.RowMeta, error) {
	cfg, err := rstep.ConfigAs[*InputConfig](node)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	return rowMeta(cfg.Fields, cfg.IncludeMetadata)
}

func (in *Input) Init(_ context.Context, sc rstep.StepContext) error {
	step := string(sc.Node().ID)
	cfg, err := rstep.ConfigAs[*InputConfig](sc.Node())
	if err != nil {
		return err
	}
	if cfg == nil {
		return rstep.NewConfigError(step, "configuration is required")
	}
	in.cfg = *cfg
	switch {
	case len(in.cfg.Brokers) == 0:
		return rstep.NewConfigError(step, "brokers are required")
	case len(in.cfg.Topics) == 0:
		return rstep.NewConfigError(step, "topics are required")
	case sc.Copies() > 1 && in.cfg.Group == "":
		return rstep.NewConfigError(step, "a consumer group is required with %d copies", sc.Copies())
	}
	if in.cfg.PollTimeout <= 0 {
		in.cfg.PollTimeout = defaultPollTimeout
	}
	in.meta, err = rowMeta(in.cfg.Fields, in.cfg.IncludeMetadata)
	if err != nil {
		return rstep.NewConfigError(step, "%v", err)
	}
	in.valueMeta = in.meta
	if in.cfg.IncludeMetadata {
		in.valueMeta, err = rowMeta(in.cfg.Fields, false)
		if err != nil {
			return rstep.NewConfigError(step, "%v", err)
		}
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(in.cfg.Brokers...),
		kgo.ConsumeTopics(in.cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ClientID(fmt.Sprintf("rowflow-%s-%d", step, sc.CopyNr())),
	}
	if in.cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(in.cfg.Group))
	}
	in.client, err = kgo.NewClient(opts...)
	if err != nil {
		return &rstep.ResourceError{Step: step, Op: "create kafka client", Err: err}
	}
	in.lastData = time.Now()
	return nil
}

func (in *Input) ProcessRow(ctx context.Context, sc rstep.StepContext) (rstep.Result, error) {
	if sc.Stopping() {
		return rstep.Done, nil
	}
	if in.cfg.MaxRows > 0 && in.read >= in.cfg.MaxRows {
		return rstep.Done, nil
	}

	if len(in.pending) == 0 {
		done, err := in.poll(ctx)
		if err != nil || done {
			return rstep.Done, err
		}
		if len(in.pending) == 0 {
			return rstep.Continue, nil
		}
	}

	rec := in.pending[0]
	in.pending = in.pending[1:]
	in.read++
	if err := in.emit(ctx, sc, rec); err != nil {
		return rstep.Done, err
	}
	return rstep.Continue, nil
}

// poll fetches the next batch of records. It reports done once the idle
// timeout passed without data.
func (in *Input) poll(ctx context.Context) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, in.cfg.PollTimeout)
	defer cancel()

	f := in.client.PollFetches(pollCtx)
	if f.IsClientClosed() {
		return true, nil
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	for _, fe := range f.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return true, fmt.Errorf("fetch error on topic %s, partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	f.EachRecord(func(r *kgo.Record) {
		in.pending = append(in.pending, r)
	})
	if len(in.pending) > 0 {
		in.lastData = time.Now()
		return false, nil
	}
	return in.cfg.IdleTimeout > 0 && time.Since(in.lastData) >= in.cfg.IdleTimeout, nil
}

func (in *Input) emit(ctx context.Context, sc rstep.StepContext, rec *kgo.Record) error {
	row, decodeErr := rrow.UnmarshalJSON(in.valueMeta, rec.Value)
	if decodeErr != nil {
		row = make(rrow.Row, in.valueMeta.Size())
	}
	if in.cfg.IncludeMetadata {
		var key any
		if rec.Key != nil {
			key = string(rec.Key)
		}
		row = row.Extend(rec.Topic, int64(rec.Partition), rec.Offset, key)
	}

	if decodeErr != nil {
		return sc.PutError(ctx, in.meta, row, rstep.RowError{
			Description: fmt.Sprintf("record %s/%d@%d: %v", rec.Topic, rec.Partition, rec.Offset, decodeErr),
			Codes:       []string{"KAFKA_DECODE"},
		})
	}
	return sc.PutRow(ctx, in.meta, row)
}

func (in *Input) Dispose(context.Context, rstep.StepContext) error {
	if in.client != nil {
		in.client.Close()
	}
	return nil
}
