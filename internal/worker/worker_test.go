package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/eventbus"
)

type exitCapture struct {
	mu    sync.Mutex
	codes []int
	ch    chan int
}

func newExitCapture() *exitCapture {
	return &exitCapture{ch: make(chan int, 4)}
}

func (e *exitCapture) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
	select {
	case e.ch <- code:
	default:
	}
}

func testPaths(t *testing.T) config.InstancePaths {
	t.Helper()
	dir := t.TempDir()
	return config.InstancePaths{
		Home:          dir,
		StateDB:       dir + "/state.db",
		ClusterSocket: dir + "/cluster.sock",
	}
}

func newTestWorker(t *testing.T, cfg config.Config, exit *exitCapture) *Worker {
	t.Helper()
	w := New(cfg, "worker-test", testPaths(t), Options{
		Logger:         log.New(io.Discard, "", 0),
		ExitFunc:       exit.exit,
		DisableCluster: true,
		DisableSignals: true,
	})
	w.Init()
	return w
}

func TestWorkerStartupEventAfterBind(t *testing.T) {
	exit := newExitCapture()
	cfg := config.Config{Host: "127.0.0.1", Port: 0, Timeout: 5}
	w := newTestWorker(t, cfg, exit)

	bound := make(chan struct{}, 1)
	listenerUp := make(chan eventbus.TypedEnvelope[eventbus.ListenerStatusEvent], 1)

	sub := eventbus.SubscribeTo(w.Bus(), eventbus.Listeners.Status, eventbus.WithSubscriptionBuffer(4))
	defer sub.Close()

	if err := w.Hooks().OnStartup("readiness", func(ctx context.Context) error {
		// By the time startup fires the listener must already be bound.
		select {
		case ev := <-sub.C():
			listenerUp <- ev
		case <-time.After(time.Second):
		}
		bound <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("register startup hook: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case <-bound:
	case <-time.After(10 * time.Second):
		t.Fatal("startup event never fired")
	}

	select {
	case ev := <-listenerUp:
		if ev.Payload.Scheme != "http" || ev.Payload.Port == 0 {
			t.Fatalf("unexpected listener status: %+v", ev.Payload)
		}
	default:
		t.Fatal("listener status not published before startup event")
	}

	w.coord.RequestShutdown("test complete")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker never shut down")
	}

	select {
	case code := <-exit.ch:
		if code != 0 {
			t.Fatalf("clean shutdown should exit 0, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("exit func never called")
	}
}

func TestWorkerServesRequests(t *testing.T) {
	exit := newExitCapture()
	cfg := config.Config{Host: "127.0.0.1", Port: 0, Timeout: 5}

	w := New(cfg, "worker-test", testPaths(t), Options{
		Logger: log.New(io.Discard, "", 0),
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(rw, "hello")
		}),
		ExitFunc:       exit.exit,
		DisableCluster: true,
		DisableSignals: true,
	})
	w.Init()

	addrCh := make(chan string, 1)
	sub := eventbus.SubscribeTo(w.Bus(), eventbus.Listeners.Status, eventbus.WithSubscriptionBuffer(4))
	defer sub.Close()
	go func() {
		ev := <-sub.C()
		addrCh <- ev.Payload.Address
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(10 * time.Second):
		t.Fatal("listener never bound")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/", addr))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %q", body)
	}

	w.coord.RequestShutdown("test complete")
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never shut down")
	}
}

func TestWorkerDuplicateShutdownTriggers(t *testing.T) {
	exit := newExitCapture()
	cfg := config.Config{Host: "127.0.0.1", Port: 0, Timeout: 5}
	w := newTestWorker(t, cfg, exit)

	shutdownCount := 0
	var mu sync.Mutex
	if err := w.Hooks().OnShutdown("counter", func(ctx context.Context) error {
		mu.Lock()
		shutdownCount++
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	// Wait until startup completes, then fire several triggers at once.
	deadline := time.Now().Add(5 * time.Second)
	for !w.coord.ShuttingDown() && time.Now().Before(deadline) {
		if w.hooks.Fired(eventbus.TopicLifecycleStartup) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		go w.coord.RequestShutdown("trigger")
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never shut down")
	}

	mu.Lock()
	defer mu.Unlock()
	if shutdownCount != 1 {
		t.Fatalf("shutdown sequence ran %d times, want exactly 1", shutdownCount)
	}
}

func TestWorkerStartupFailureDelayedShutdown(t *testing.T) {
	exit := newExitCapture()
	// Timeout 0 keeps the forced-exit timer off; startup failure then
	// uses the default grace.
	cfg := config.Config{Host: "127.0.0.1", Port: 0}
	paths := testPaths(t)
	// Unreachable state db path forces the collaborator connect to fail.
	paths.StateDB = paths.Home + "/missing/nested/state.db"

	w := New(cfg, "worker-test", paths, Options{
		Logger:         log.New(io.Discard, "", 0),
		ExitFunc:       exit.exit,
		DisableCluster: true,
		DisableSignals: true,
	})
	w.Init()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("startup failure should surface an error")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("worker never exited after startup failure")
	}

	if elapsed := time.Since(start); elapsed < defaultStartupGrace {
		t.Fatalf("worker exited after %s, before the %s grace period", elapsed, defaultStartupGrace)
	}

	select {
	case code := <-exit.ch:
		if code != 1 {
			t.Fatalf("startup failure should exit 1, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("exit func never called")
	}
}

func TestWorkerShutdownEventPrecedesListenerClose(t *testing.T) {
	exit := newExitCapture()
	cfg := config.Config{Host: "127.0.0.1", Port: 0, Timeout: 5}
	w := newTestWorker(t, cfg, exit)

	var mu sync.Mutex
	var order []string

	if err := w.Hooks().OnShutdown("recorder", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "shutdown-event")
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register hook: %v", err)
	}

	addrCh := make(chan string, 1)
	sub := eventbus.SubscribeTo(w.Bus(), eventbus.Listeners.Status, eventbus.WithSubscriptionBuffer(4))
	defer sub.Close()
	go func() {
		ev := <-sub.C()
		addrCh <- ev.Payload.Address
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(10 * time.Second):
		t.Fatal("listener never bound")
	}

	w.coord.RequestShutdown("test")
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never shut down")
	}

	// After teardown the listener must be closed.
	if _, err := http.Get(fmt.Sprintf("http://%s/", addr)); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "shutdown-event" {
		t.Fatalf("shutdown event not awaited: %v", order)
	}
}
