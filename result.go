package rowflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/birdayz/rowflow/internal/execution"
	"github.com/birdayz/rowflow/rdag"
	"github.com/google/uuid"
)

// State is the lifecycle state of a step copy or of a whole run.
type State = execution.State

const (
	StateInitialized = execution.StateInitialized
	StateRunning     = execution.StateRunning
	StateDone        = execution.StateDone
	StateStopped     = execution.StateStopped
	StateError       = execution.StateError
)

// Event is a lifecycle event of one copy.
type Event = execution.Event

// EventKind names a lifecycle event.
type EventKind = execution.EventKind

const (
	EventStarted          = execution.EventStarted
	EventFinished         = execution.EventFinished
	EventSafelyStopped    = execution.EventSafelyStopped
	EventStopped          = execution.EventStopped
	EventStoppedWithError = execution.EventStoppedWithError
	EventInitFailed       = execution.EventInitFailed
	EventDisposeFailed    = execution.EventDisposeFailed
)

// Listener receives lifecycle events. It is called from worker goroutines
// and must be safe for concurrent use.
type Listener func(Event)

// Counters are the row counters of a copy or of a step.
type Counters = execution.Counters

// StepStatus is the state and counters of one copy.
type StepStatus = execution.Status

// FatalError attributes a fatal error to a step copy.
type FatalError = execution.FatalError

// Result is the outcome of a run.
type Result struct {
	RunID    uuid.UUID
	ParentID uuid.UUID
	Name     string

	// State aggregates all copies with precedence Error > Stopped > Done.
	State State
	// Success is true if no fatal error occurred and the run was not
	// stopped with StopAll. A safely stopped run is successful.
	Success bool

	// Errors is the number of fatal errors.
	Errors     int64
	FirstError error

	// Steps holds one entry per copy.
	Steps []StepStatus

	// DisposeErr combines dispose failures. They do not affect Success.
	DisposeErr error

	Duration time.Duration
}

// Step returns the counters of all copies of a step added up.
func (r *Result) Step(id rdag.NodeID) Counters {
	var total Counters
	for _, s := range r.Steps {
		if s.Step == id {
			total = total.Add(s.Counters)
		}
	}
	return total
}

// Copies returns the status of every copy of a step.
func (r *Result) Copies(id rdag.NodeID) []StepStatus {
	var out []StepStatus
	for _, s := range r.Steps {
		if s.Step == id {
			out = append(out, s)
		}
	}
	return out
}

func (r *Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s (%s): %s success=%t errors=%d duration=%s\n", r.Name, r.RunID, r.State, r.Success, r.Errors, r.Duration.Round(time.Millisecond))
	for _, s := range r.Steps {
		fmt.Fprintf(&sb, "  %s.%d %-8s read=%d written=%d rejected=%d errors=%d", s.Step, s.Copy, s.State, s.Counters.Read, s.Counters.Written, s.Counters.Rejected, s.Counters.Errors)
		if s.PartitionID != "" {
			fmt.Fprintf(&sb, " partitions=%s", s.PartitionID)
		}
		if s.Err != nil {
			fmt.Fprintf(&sb, " error=%q", s.Err.Error())
		}
		sb.WriteString("\n")
	}
	if r.FirstError != nil {
		fmt.Fprintf(&sb, "first error: %v\n", r.FirstError)
	}
	return sb.String()
}
