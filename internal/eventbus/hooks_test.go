package eventbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/eventbus"
)

func TestHooksEmitStartupOnce(t *testing.T) {
	hooks := eventbus.NewHooks(nil, "worker-1")

	var calls atomic.Int32
	if err := hooks.OnStartup("counter", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("OnStartup: %v", err)
	}

	ctx := context.Background()
	if err := hooks.EmitStartup(ctx); err != nil {
		t.Fatalf("EmitStartup: %v", err)
	}
	// Duplicate emit is a no-op: the event never fires twice.
	if err := hooks.EmitStartup(ctx); err != nil {
		t.Fatalf("second EmitStartup: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 hook call, got %d", got)
	}
	if !hooks.Fired(eventbus.TopicLifecycleStartup) {
		t.Fatal("startup should be marked fired")
	}
}

func TestHooksShutdownAwaitsAllAndJoinsErrors(t *testing.T) {
	hooks := eventbus.NewHooks(nil, "worker-1")

	var slowDone atomic.Bool
	hookErr := errors.New("store disconnect failed")

	if err := hooks.OnShutdown("slow", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		slowDone.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}
	if err := hooks.OnShutdown("failing", func(ctx context.Context) error {
		return hookErr
	}); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	err := hooks.EmitShutdown(context.Background())
	if !slowDone.Load() {
		t.Fatal("EmitShutdown returned before awaiting the slow hook")
	}
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected joined hook error, got %v", err)
	}
}

func TestHooksRegisterAfterFire(t *testing.T) {
	hooks := eventbus.NewHooks(nil, "worker-1")

	if err := hooks.EmitShutdown(context.Background()); err != nil {
		t.Fatalf("EmitShutdown: %v", err)
	}
	if err := hooks.OnShutdown("late", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("registering a hook after the event fired should error")
	}
}

func TestHooksStuckSubscriberHonoursContext(t *testing.T) {
	hooks := eventbus.NewHooks(nil, "worker-1")

	if err := hooks.OnShutdown("stuck", func(ctx context.Context) error {
		<-make(chan struct{}) // never completes
		return nil
	}); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := hooks.EmitShutdown(ctx)
	if err == nil {
		t.Fatal("expected context error from stuck hook")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("EmitShutdown blocked for %v despite context deadline", elapsed)
	}
}

func TestHooksPublishOnBus(t *testing.T) {
	bus := eventbus.New()
	hooks := eventbus.NewHooks(bus, "worker-7")

	sub := eventbus.SubscribeTo(bus, eventbus.Lifecycle.Startup)
	defer sub.Close()

	if err := hooks.EmitStartup(context.Background()); err != nil {
		t.Fatalf("EmitStartup: %v", err)
	}

	select {
	case env := <-sub.C():
		if env.Payload.WorkerID != "worker-7" {
			t.Fatalf("expected worker-7, got %q", env.Payload.WorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("startup event not delivered to channel subscriber")
	}
}
