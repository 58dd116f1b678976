package eventbus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/eventbus"
)

type closeCounter struct {
	closed atomic.Int32
}

func (c *closeCounter) Close() { c.closed.Add(1) }

func TestSubscriptionGroupCloseAll(t *testing.T) {
	var group eventbus.SubscriptionGroup
	a := &closeCounter{}
	b := &closeCounter{}

	group.Add(a, nil, b)
	group.CloseAll()
	group.CloseAll() // idempotent, already cleared

	if a.closed.Load() != 1 || b.closed.Load() != 1 {
		t.Fatalf("expected each subscription closed once, got %d and %d",
			a.closed.Load(), b.closed.Load())
	}
}

func TestServiceLifecycleShutdown(t *testing.T) {
	var lc eventbus.ServiceLifecycle
	lc.Start(context.Background())

	sub := &closeCounter{}
	lc.AddSubscriptions(sub)

	started := make(chan struct{})
	lc.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := lc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sub.closed.Load() != 1 {
		t.Fatal("tracked subscription not closed on shutdown")
	}
}

func TestServiceLifecycleShutdownDeadline(t *testing.T) {
	var lc eventbus.ServiceLifecycle
	lc.Start(context.Background())

	block := make(chan struct{})
	lc.Go(func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := lc.Shutdown(ctx); err == nil {
		t.Fatal("expected deadline error while a consumer is blocked")
	}
	close(block)
}

func TestServiceLifecycleConsumesTypedEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	var lc eventbus.ServiceLifecycle
	lc.Start(context.Background())

	sub := eventbus.SubscribeTo(bus, eventbus.Cluster.Broadcast)
	lc.AddSubscriptions(sub)

	got := make(chan eventbus.ClusterMessageEvent, 1)
	lc.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, sub, nil, func(msg eventbus.ClusterMessageEvent) {
			select {
			case got <- msg:
			default:
			}
		})
	})

	eventbus.PublishWithOpts(context.Background(), bus, eventbus.Cluster.Broadcast,
		eventbus.SourceCluster, eventbus.ClusterMessageEvent{MessageID: "m-1", Sender: "worker-2"},
		eventbus.WithCorrelationID("m-1"))

	select {
	case msg := <-got:
		if msg.MessageID != "m-1" || msg.Sender != "worker-2" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never received the broadcast")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
