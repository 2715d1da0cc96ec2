package execution

import (
	"github.com/birdayz/rowflow/rdag"
)

// State is the lifecycle state of a step copy.
//
// Transitions: Initialized -> Running -> {Done, Stopped, Error}. Initialized
// may also move directly to Error (failed Init) or Stopped (run stopped
// before the copy started). Terminal states are final.
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateDone
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateStopped || s == StateError
}

// Precedence orders terminal states for aggregation: Error > Stopped > Done.
func (s State) Precedence() int {
	switch s {
	case StateError:
		return 3
	case StateStopped:
		return 2
	case StateDone:
		return 1
	default:
		return 0
	}
}

// Worst returns the state with the higher precedence.
func Worst(a, b State) State {
	if b.Precedence() > a.Precedence() {
		return b
	}
	return a
}

// EventKind is a lifecycle event reported for a step copy.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventFinished         EventKind = "finished"
	EventSafelyStopped    EventKind = "safely-stopped"
	EventStopped          EventKind = "stopped"
	EventStoppedWithError EventKind = "stopped-with-error"
	EventInitFailed       EventKind = "init-failed"
	EventDisposeFailed    EventKind = "dispose-failed"
)

// Event is delivered to a run's listener. Listeners are called from worker
// goroutines and must be safe for concurrent use.
type Event struct {
	Kind     EventKind
	Step     rdag.NodeID
	Copy     int
	State    State
	Counters Counters
	Err      error
}

// Counters are the monotonic row counters of one copy.
type Counters struct {
	Read     int64
	Written  int64
	Rejected int64
	Errors   int64
}

func (c Counters) Add(o Counters) Counters {
	return Counters{
		Read:     c.Read + o.Read,
		Written:  c.Written + o.Written,
		Rejected: c.Rejected + o.Rejected,
		Errors:   c.Errors + o.Errors,
	}
}

// Status is a point-in-time snapshot of one copy.
type Status struct {
	Step        rdag.NodeID
	Copy        int
	PartitionID string
	State       State
	Counters    Counters
	Err         error
}
