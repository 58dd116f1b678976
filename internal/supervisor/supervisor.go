package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenhq/warden/internal/cluster"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/eventbus"
)

// Slot tracks one worker process. Owned exclusively by the supervisor's
// monitor goroutine.
type Slot struct {
	ID     string
	Handle Handle
	State  eventbus.WorkerState
}

// Options configure a Supervisor.
type Options struct {
	// Hub is the inter-worker broadcast relay, started and stopped with
	// the supervisor.
	Hub *cluster.Hub

	// Logger overrides the default logger.
	Logger *log.Logger
}

// Supervisor forks one worker process per configured slot, tracks their
// liveness, and respawns any worker that exits while the process-wide
// shutdown flag is unset. Respawn is unbounded: no backoff, no
// crash-loop circuit breaker (known limitation).
type Supervisor struct {
	cfg     config.Config
	spawner Spawner
	bus     *eventbus.Bus
	hub     *cluster.Hub
	logger  *log.Logger

	shutdown atomic.Bool

	mu    sync.Mutex
	slots map[string]*Slot

	exits   chan exitEvent
	done    chan struct{}
	started bool
}

type exitEvent struct {
	slotID string
	status ExitStatus
}

// New constructs a Supervisor.
func New(cfg config.Config, spawner Spawner, bus *eventbus.Bus, opts ...Options) *Supervisor {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		bus:     bus,
		hub:     opt.Hub,
		logger:  logger,
		slots:   make(map[string]*Slot),
		exits:   make(chan exitEvent, 64),
		done:    make(chan struct{}),
	}
}

// Start forks the initial worker set and begins monitoring exits.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.hub != nil {
		if err := s.hub.Start(ctx); err != nil {
			return err
		}
	}

	count := s.cfg.WorkerCount()
	s.logger.Printf("[supervisor] starting %d worker(s)", count)

	for i := 1; i <= count; i++ {
		slotID := fmt.Sprintf("worker-%d", i)
		if err := s.fork(ctx, slotID); err != nil {
			return err
		}
	}

	go s.monitor(ctx)
	return nil
}

// fork spawns a worker into the named slot.
func (s *Supervisor) fork(ctx context.Context, slotID string) error {
	handle, err := s.spawner.Spawn(ctx, slotID)
	if err != nil {
		return fmt.Errorf("supervisor: fork %s: %w", slotID, err)
	}

	s.mu.Lock()
	s.slots[slotID] = &Slot{ID: slotID, Handle: handle, State: eventbus.WorkerStateRunning}
	s.mu.Unlock()

	s.logger.Printf("[supervisor] forked %s (pid %d)", slotID, handle.PID())
	eventbus.Publish(ctx, s.bus, eventbus.Workers.Lifecycle, eventbus.SourceSupervisor, eventbus.WorkerLifecycleEvent{
		WorkerID: slotID,
		PID:      handle.PID(),
		State:    eventbus.WorkerStateRunning,
	})

	go func() {
		<-handle.Done()
		select {
		case s.exits <- exitEvent{slotID: slotID, status: handle.ExitStatus()}:
		case <-s.done:
		}
	}()

	return nil
}

// monitor owns the slot table: it applies exit notifications and decides
// on respawn. The decision is a pure function of the exit event and the
// current shutdown flag.
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.exits:
			s.handleExit(ctx, ev)

			if s.allDead() && s.shutdown.Load() {
				return
			}
		}
	}
}

func (s *Supervisor) handleExit(ctx context.Context, ev exitEvent) {
	s.mu.Lock()
	slot, ok := s.slots[ev.slotID]
	if ok {
		slot.State = eventbus.WorkerStateDead
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	respawn := !s.shutdown.Load()
	s.logger.Printf("[supervisor] %s exited with code %d (respawn: %t)", ev.slotID, ev.status.Code, respawn)

	code := ev.status.Code
	eventbus.Publish(ctx, s.bus, eventbus.Workers.Lifecycle, eventbus.SourceSupervisor, eventbus.WorkerLifecycleEvent{
		WorkerID: ev.slotID,
		PID:      slot.Handle.PID(),
		State:    eventbus.WorkerStateDead,
		ExitCode: &code,
		Respawn:  respawn,
	})

	if !respawn {
		return
	}

	if err := s.fork(ctx, ev.slotID); err != nil {
		s.logger.Printf("[supervisor] respawn %s failed: %v", ev.slotID, err)
	}
}

func (s *Supervisor) allDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		if slot.State != eventbus.WorkerStateDead {
			return false
		}
	}
	return true
}

// ShuttingDown reports whether the supervisor's shutdown flag is set.
func (s *Supervisor) ShuttingDown() bool {
	return s.shutdown.Load()
}

// Workers returns a snapshot of the slot table.
func (s *Supervisor) Workers() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, *slot)
	}
	return out
}

// Shutdown sets the shutdown flag, terminates all workers gracefully,
// and stops the broadcast hub. Once the flag is set no replacement
// workers are forked.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Printf("[supervisor] shutting down workers")

	s.mu.Lock()
	handles := make([]Handle, 0, len(s.slots))
	for _, slot := range s.slots {
		if slot.State == eventbus.WorkerStateRunning {
			slot.State = eventbus.WorkerStateExiting
			handles = append(handles, slot.Handle)
		}
	}
	s.mu.Unlock()

	grace := s.cfg.ForceTimeout()
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	var wg sync.WaitGroup
	for _, handle := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Terminate(grace); err != nil {
				s.logger.Printf("[supervisor] worker termination: %v", err)
			}
		}(handle)
	}

	terminated := make(chan struct{})
	go func() {
		wg.Wait()
		close(terminated)
	}()

	select {
	case <-terminated:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.hub != nil {
		if err := s.hub.Shutdown(ctx); err != nil {
			return err
		}
	}

	// Let the monitor drain remaining exit notifications.
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}

	return nil
}
