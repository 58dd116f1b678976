package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// HookFunc is a lifecycle hook. EmitShutdown awaits every registered hook
// before returning, so collaborators can finish releasing resources before
// listeners are closed.
type HookFunc func(ctx context.Context) error

type namedHook struct {
	name string
	fn   HookFunc
}

// Hooks is the awaited half of the lifecycle event bus. Channel
// subscriptions observe lifecycle events asynchronously; hooks registered
// here are invoked and awaited when the event fires. Hooks must be
// registered before the event is emitted and persist for the process
// lifetime. Each event fires at most once per process.
type Hooks struct {
	bus      *Bus
	workerID string
	logger   *log.Logger

	mu       sync.Mutex
	startup  []namedHook
	shutdown []namedHook
	fired    map[Topic]bool
}

// NewHooks creates a hook registry. The bus may be nil; lifecycle events
// are then only delivered to hooks, not to channel subscribers.
func NewHooks(bus *Bus, workerID string) *Hooks {
	return &Hooks{
		bus:      bus,
		workerID: workerID,
		logger:   log.Default(),
		fired:    make(map[Topic]bool),
	}
}

// OnStartup registers a hook awaited by EmitStartup. Registration after
// the startup event has fired returns an error instead of silently
// never running the hook.
func (h *Hooks) OnStartup(name string, fn HookFunc) error {
	return h.register(TopicLifecycleStartup, &h.startup, name, fn)
}

// OnShutdown registers a hook awaited by EmitShutdown.
func (h *Hooks) OnShutdown(name string, fn HookFunc) error {
	return h.register(TopicLifecycleShutdown, &h.shutdown, name, fn)
}

func (h *Hooks) register(topic Topic, list *[]namedHook, name string, fn HookFunc) error {
	if fn == nil {
		return errors.New("eventbus: nil lifecycle hook")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired[topic] {
		return fmt.Errorf("eventbus: %s already fired, hook %q would never run", topic, name)
	}
	*list = append(*list, namedHook{name: name, fn: fn})
	return nil
}

// EmitStartup fires the startup event: channel subscribers receive a
// LifecycleEvent and every startup hook is run and awaited. The second
// and later calls are no-ops, preserving at-most-once delivery.
func (h *Hooks) EmitStartup(ctx context.Context) error {
	return h.emit(ctx, TopicLifecycleStartup, Lifecycle.Startup, &h.startup)
}

// EmitShutdown fires the shutdown event and awaits every shutdown hook.
// Hook errors are joined and returned; the caller decides whether a
// failed teardown is fatal.
func (h *Hooks) EmitShutdown(ctx context.Context) error {
	return h.emit(ctx, TopicLifecycleShutdown, Lifecycle.Shutdown, &h.shutdown)
}

func (h *Hooks) emit(ctx context.Context, topic Topic, td TopicDef[LifecycleEvent], list *[]namedHook) error {
	h.mu.Lock()
	if h.fired[topic] {
		h.mu.Unlock()
		return nil
	}
	h.fired[topic] = true
	hooks := make([]namedHook, len(*list))
	copy(hooks, *list)
	h.mu.Unlock()

	Publish(ctx, h.bus, td, SourceWorker, LifecycleEvent{
		WorkerID: h.workerID,
		At:       time.Now().UTC(),
	})

	// Hooks run concurrently; all completions (or the context deadline)
	// are awaited before returning.
	errCh := make(chan error, len(hooks))
	var wg sync.WaitGroup
	for _, hook := range hooks {
		wg.Add(1)
		go func(hk namedHook) {
			defer wg.Done()
			if err := hk.fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s hook %q: %w", topic, hk.name, err)
			}
		}(hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("eventbus: awaiting %s hooks: %w", topic, ctx.Err())
	}

	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Fired reports whether the given lifecycle topic has already been emitted.
func (h *Hooks) Fired(topic Topic) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired[topic]
}
