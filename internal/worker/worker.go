package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wardenhq/warden/internal/certwatch"
	"github.com/wardenhq/warden/internal/cluster"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/eventbus"
	"github.com/wardenhq/warden/internal/listener"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/statestore"
)

const defaultStartupGrace = 5 * time.Second

// Options configure a worker.
type Options struct {
	// Handler is the application request pipeline. Opaque to the worker.
	Handler http.Handler

	// Logger overrides the default logger.
	Logger *log.Logger

	// ExitFunc overrides process termination (tests).
	ExitFunc func(code int)

	// DisableCluster skips connecting to the broadcast relay. Used when
	// a worker runs standalone, without a supervisor.
	DisableCluster bool

	// DisableSignals skips installing OS signal handlers (tests).
	DisableSignals bool
}

// Worker assembles one serving process: lifecycle event bus, shutdown
// coordinator, data-store collaborator, listener manager, credential
// watcher, and the broadcast relay client.
type Worker struct {
	cfg    config.Config
	id     string
	paths  config.InstancePaths
	opts   Options
	logger *log.Logger

	bus   *eventbus.Bus
	hooks *eventbus.Hooks
	coord *runtime.Coordinator
	host  *runtime.ServiceHost
	store *statestore.Client
}

// New constructs a worker for the given slot id.
func New(cfg config.Config, workerID string, paths config.InstancePaths, opts ...Options) *Worker {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Worker{
		cfg:    cfg,
		id:     workerID,
		paths:  paths,
		opts:   opt,
		logger: logger,
	}
}

// Bus exposes the worker's event bus so application code can register
// subscribers before Run fires the startup event.
func (w *Worker) Bus() *eventbus.Bus {
	return w.bus
}

// Hooks exposes the lifecycle hook registry. Register startup and
// shutdown hooks before calling Run.
func (w *Worker) Hooks() *eventbus.Hooks {
	return w.hooks
}

// Init prepares the bus, hook registry, and shutdown coordinator. It is
// split from Run so callers can register hooks in between.
func (w *Worker) Init() {
	w.bus = eventbus.New(eventbus.WithLogger(w.logger))
	w.hooks = eventbus.NewHooks(w.bus, w.id)

	coordOpts := []runtime.CoordinatorOption{
		runtime.WithForceTimeout(w.cfg.ForceTimeout()),
		runtime.WithCoordinatorLogger(w.logger),
	}
	if w.opts.ExitFunc != nil {
		coordOpts = append(coordOpts, runtime.WithExitFunc(w.opts.ExitFunc))
	}
	w.coord = runtime.NewCoordinator(coordOpts...)
}

// Run starts the worker and blocks until its shutdown sequence finishes.
// Every exit path funnels through the coordinator: clean teardown exits
// 0, anything else exits 1.
func (w *Worker) Run(ctx context.Context) error {
	if w.coord == nil {
		w.Init()
	}
	defer w.bus.Shutdown()

	if !w.opts.DisableSignals {
		stop := w.installSignalHandlers()
		defer stop()
	}

	// Connect the data-store collaborator before accepting traffic.
	w.store = statestore.NewClient(w.paths.StateDB, w.id)
	if err := w.store.Connect(ctx); err != nil {
		return w.failStartup(ctx, fmt.Errorf("worker: state store connect: %w", err))
	}
	if err := w.hooks.OnShutdown("statestore", func(ctx context.Context) error {
		return w.store.Disconnect(ctx)
	}); err != nil {
		return w.failStartup(ctx, err)
	}

	mgr, err := listener.New(w.cfg, listener.Options{Handler: w.opts.Handler, Logger: w.logger})
	if err != nil {
		return w.failStartup(ctx, err)
	}

	w.host = runtime.NewServiceHost()
	// In-flight connections drain within the forced-exit budget; the
	// coordinator's timer is the only backstop when the budget is off.
	if err := w.host.Register("listener", func(ctx context.Context) (runtime.Service, error) {
		return &listenerService{mgr: mgr, bus: w.bus, logger: w.logger}, nil
	}, runtime.WithShutdownTimeout(w.cfg.ForceTimeout())); err != nil {
		return w.failStartup(ctx, err)
	}

	if watchPaths := mgr.WatchPaths(); len(watchPaths) > 0 {
		if err := w.host.Register("certwatch", func(ctx context.Context) (runtime.Service, error) {
			return certwatch.New(watchPaths, func(path string) {
				w.coord.RequestShutdown("credential file changed: " + path)
			}, certwatch.Options{Logger: w.logger})
		}); err != nil {
			return w.failStartup(ctx, err)
		}
	}

	if err := w.host.Start(ctx); err != nil {
		return w.failStartup(ctx, err)
	}

	if !w.opts.DisableCluster {
		relay := cluster.NewClient(w.paths.ClusterSocket, w.id, w.bus, cluster.ClientOptions{Logger: w.logger})
		if err := relay.Connect(ctx); err != nil {
			w.logger.Printf("[worker %s] broadcast relay unavailable: %v", w.id, err)
		} else {
			var relayLife eventbus.ServiceLifecycle
			relayLife.Start(ctx)
			sub := eventbus.SubscribeTo(w.bus, eventbus.Cluster.Broadcast)
			relayLife.AddSubscriptions(sub)
			relayLife.Go(func(ctx context.Context) {
				eventbus.Consume(ctx, sub, nil, func(msg eventbus.ClusterMessageEvent) {
					w.logger.Printf("[worker %s] broadcast from %s (message %s, %d bytes)",
						w.id, msg.Sender, msg.MessageID, len(msg.Payload))
				})
			})
			if err := w.hooks.OnShutdown("cluster", func(ctx context.Context) error {
				closeErr := relay.Close()
				if err := relayLife.Shutdown(ctx); err != nil && closeErr == nil {
					closeErr = err
				}
				return closeErr
			}); err != nil {
				_ = relay.Close()
				_ = relayLife.Shutdown(ctx)
			}
		}
	}

	// The listener is bound; collaborators may start background loops.
	if err := w.hooks.EmitStartup(ctx); err != nil {
		w.logger.Printf("[worker %s] startup hook error: %v", w.id, err)
	}
	w.logger.Printf("[worker %s] ready (pid %d)", w.id, os.Getpid())

	w.waitForShutdown()

	return w.teardown(ctx)
}

// installSignalHandlers routes every termination-class signal through
// the coordinator's single entry point.
func (w *Worker) installSignalHandlers() func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sig := range sigCh {
			w.coord.RequestShutdown("signal: " + sig.String())
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
		wg.Wait()
	}
}

// waitForShutdown blocks until a shutdown trigger fires, logging
// listener errors as they come in. Listener errors are reported, never
// fatal to the process.
func (w *Worker) waitForShutdown() {
	errCh := w.host.Errors()
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.logger.Printf("[worker %s] listener error: %v", w.id, err)
			}
		case <-w.coord.Done():
			return
		}
	}
}

// teardown publishes the shutdown event, awaits its subscribers, then
// closes all listeners. The shutdown event always precedes listener
// close; both listeners close concurrently inside the service host.
func (w *Worker) teardown(ctx context.Context) error {
	teardownCtx := ctx
	if budget := w.cfg.ForceTimeout(); budget > 0 {
		var cancel context.CancelFunc
		teardownCtx, cancel = context.WithTimeout(context.Background(), budget)
		defer cancel()
	}

	hookErr := w.hooks.EmitShutdown(teardownCtx)
	stopErr := w.host.Stop(teardownCtx)

	err := errors.Join(hookErr, stopErr)
	w.coord.Terminate(err)
	return err
}

// failStartup handles an unrecoverable startup error: instead of
// crashing immediately, the worker logs the failure and schedules a
// delayed shutdown, giving in-flight operations and logging a bounded
// grace period before exiting with status 1.
func (w *Worker) failStartup(ctx context.Context, cause error) error {
	grace := w.cfg.ForceTimeout()
	if grace <= 0 {
		grace = defaultStartupGrace
	}

	w.logger.Printf("[worker %s] startup failed: %v (shutting down in %s)", w.id, cause, grace)
	timer := time.AfterFunc(grace, func() {
		w.coord.RequestShutdown("startup failure")
	})

	<-w.coord.Done()
	timer.Stop()

	if w.hooks != nil {
		if err := w.hooks.EmitShutdown(ctx); err != nil {
			w.logger.Printf("[worker %s] shutdown hook error: %v", w.id, err)
		}
	}
	if w.host != nil {
		_ = w.host.Stop(ctx)
	}

	w.coord.Terminate(cause)
	return cause
}

// listenerService adapts the listener manager to the service host and
// announces bound addresses on the event bus.
type listenerService struct {
	mgr    *listener.Manager
	bus    *eventbus.Bus
	logger *log.Logger
}

func (s *listenerService) Start(ctx context.Context) error {
	status, err := s.mgr.Start(ctx)
	if err != nil {
		return err
	}

	eventbus.Publish(ctx, s.bus, eventbus.Listeners.Status, eventbus.SourceListener, eventbus.ListenerStatusEvent{
		Scheme:  status.Primary.Scheme,
		Address: status.Primary.Address,
		Port:    status.Primary.Port,
	})
	if status.Secondary != nil {
		eventbus.Publish(ctx, s.bus, eventbus.Listeners.Status, eventbus.SourceListener, eventbus.ListenerStatusEvent{
			Scheme:  status.Secondary.Scheme,
			Address: status.Secondary.Address,
			Port:    status.Secondary.Port,
		})
	}
	return nil
}

func (s *listenerService) Shutdown(ctx context.Context) error {
	return s.mgr.Shutdown(ctx)
}

func (s *listenerService) Errors() <-chan error {
	return s.mgr.Errors()
}
