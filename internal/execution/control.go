package execution

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/birdayz/rowflow/rdag"
)

// FatalError attributes a fatal error to the copy that raised it.
type FatalError struct {
	Step rdag.NodeID
	Copy int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s.%d: %v", e.Step, e.Copy, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Control is the run-wide stop signal shared by every copy of a run. All
// methods are safe for concurrent use and idempotent.
type Control struct {
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	safeCh   chan struct{}
	safeOnce sync.Once
	safe     atomic.Bool

	// Called once, before the safe stop channel is closed.
	onSafeStop func()

	fatal atomic.Int64

	mu       sync.Mutex
	firstErr *FatalError
}

func NewControl() *Control {
	return &Control{
		stopCh: make(chan struct{}),
		safeCh: make(chan struct{}),
	}
}

// OnSafeStop registers the hook run on the first SafeStop. Must be called
// before the run starts.
func (c *Control) OnSafeStop(fn func()) {
	c.onSafeStop = fn
}

// StopAll requests an immediate stop of every copy. Blocked channel
// operations return and buffered rows may be discarded.
func (c *Control) StopAll() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)
	})
}

// SafeStop asks source copies to stop pulling input. Rows already buffered
// keep flowing until every channel is drained.
func (c *Control) SafeStop() {
	c.safeOnce.Do(func() {
		c.safe.Store(true)
		if c.onSafeStop != nil {
			c.onSafeStop()
		}
		close(c.safeCh)
	})
}

// Stopped is closed on StopAll.
func (c *Control) Stopped() <-chan struct{} {
	return c.stopCh
}

// SafeStopped is closed on SafeStop.
func (c *Control) SafeStopped() <-chan struct{} {
	return c.safeCh
}

func (c *Control) IsStopped() bool {
	return c.stopped.Load()
}

func (c *Control) IsSafeStopping() bool {
	return c.safe.Load()
}

// Fail records a fatal error and stops the run. The first recorded error
// is kept.
func (c *Control) Fail(step rdag.NodeID, copyNr int, err error) {
	c.fatal.Add(1)
	c.mu.Lock()
	if c.firstErr == nil {
		c.firstErr = &FatalError{Step: step, Copy: copyNr, Err: err}
	}
	c.mu.Unlock()
	c.StopAll()
}

// Fatal returns the number of fatal errors.
func (c *Control) Fatal() int64 {
	return c.fatal.Load()
}

// FirstError returns the first fatal error, or nil.
func (c *Control) FirstError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstErr == nil {
		return nil
	}
	return c.firstErr
}
