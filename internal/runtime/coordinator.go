package runtime

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// State describes the coordinator's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Coordinator owns the process-wide shutdown sequence. Every trigger
// (OS signal, startup failure, credential file change) funnels through
// RequestShutdown; only the first caller starts the sequence. When the
// sequence begins a forced-exit timer is armed: if graceful teardown
// stalls past the budget the process exits with status 1.
type Coordinator struct {
	once  sync.Once
	done  chan struct{}
	state atomic.Int32

	forceTimeout time.Duration
	exit         func(code int)
	logger       *log.Logger

	mu     sync.Mutex
	reason string
	timer  *time.Timer
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithForceTimeout sets the forced-exit budget. Zero disables forcing.
func WithForceTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.forceTimeout = d }
}

// WithExitFunc overrides process termination, used by tests and by worker
// processes that report exit through their own channel.
func WithExitFunc(exit func(code int)) CoordinatorOption {
	return func(c *Coordinator) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// WithCoordinatorLogger overrides the logger.
func WithCoordinatorLogger(logger *log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a coordinator in the Idle state.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		done:   make(chan struct{}),
		exit:   os.Exit,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestShutdown moves the coordinator from Idle to ShuttingDown.
// The first caller wins and gets true; every later call is a no-op.
// When a forced-exit budget is configured the backstop timer starts
// counting immediately, before any teardown work runs.
func (c *Coordinator) RequestShutdown(reason string) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		c.state.Store(int32(StateShuttingDown))

		c.mu.Lock()
		c.reason = reason
		if c.forceTimeout > 0 {
			c.timer = time.AfterFunc(c.forceTimeout, c.forceExit)
		}
		c.mu.Unlock()

		c.logger.Printf("[shutdown] sequence started (reason: %s)", reason)
		close(c.done)
	})
	return fired
}

func (c *Coordinator) forceExit() {
	c.logger.Printf("[shutdown] forced-exit timeout of %s elapsed, terminating", c.forceTimeout)
	c.exit(1)
}

// Terminate finishes the shutdown sequence. A nil err exits 0; a
// teardown failure is logged and exits 1.
func (c *Coordinator) Terminate(err error) {
	c.state.Store(int32(StateTerminated))

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Printf("[shutdown] teardown failed: %v", err)
		c.exit(1)
		return
	}
	c.exit(0)
}

// Done returns a channel closed when the shutdown sequence begins.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// ShuttingDown reports whether the shutdown sequence has started.
func (c *Coordinator) ShuttingDown() bool {
	return State(c.state.Load()) != StateIdle
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Reason returns the trigger recorded by the winning RequestShutdown call.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
