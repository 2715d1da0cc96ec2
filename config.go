package rowflow

import (
	"log/slog"
	"time"

	"github.com/birdayz/rowflow/internal/execution"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultRowSetSize      = 10000
	DefaultFeedbackSize    = execution.DefaultFeedbackSize
	DefaultMonitorInterval = time.Second
)

// Option is a function that configures a Trans
type Option func(*Trans)

// WithLog sets the logger for the run
var WithLog = func(log *slog.Logger) Option {
	return func(t *Trans) {
		t.log = log
	}
}

// WithRowSetSize sets the capacity of every row set whose hop does not
// override it
var WithRowSetSize = func(n int) Option {
	return func(t *Trans) {
		t.rowSetSize = n
	}
}

// WithFeedbackSize sets the number of rows between progress log lines.
// Zero or less disables progress logging.
var WithFeedbackSize = func(n int64) Option {
	return func(t *Trans) {
		if n <= 0 {
			n = -1
		}
		t.feedbackSize = n
	}
}

// WithMonitorInterval sets how often the monitor polls copy counters
var WithMonitorInterval = func(d time.Duration) Option {
	return func(t *Trans) {
		t.monitorInterval = d
	}
}

// WithSlots declares that this process is executor slot number out of
// count. Dynamic partition schemas are expanded for count slots and every
// schema is reduced to the partitions this slot owns.
var WithSlots = func(count, number int) Option {
	return func(t *Trans) {
		t.slotCount = count
		t.slotNumber = number
	}
}

// WithTracerProvider sets the provider used for run and copy spans
var WithTracerProvider = func(tp trace.TracerProvider) Option {
	return func(t *Trans) {
		t.tracerProvider = tp
	}
}

// WithListener registers a listener for lifecycle events of every copy
var WithListener = func(l Listener) Option {
	return func(t *Trans) {
		t.listeners = append(t.listeners, l)
	}
}

// WithParentRun marks the run as started by an outer run
var WithParentRun = func(parent uuid.UUID) Option {
	return func(t *Trans) {
		t.parentID = parent
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
