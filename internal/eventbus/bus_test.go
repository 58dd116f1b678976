package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/eventbus"
)

func TestBusPublishDeliver(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicWorkersLifecycle)
	defer sub.Close()

	payload := eventbus.WorkerLifecycleEvent{
		WorkerID: "worker-1",
		PID:      4242,
		State:    eventbus.WorkerStateRunning,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicWorkersLifecycle,
		Source:  eventbus.SourceSupervisor,
		Payload: payload,
	})

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.WorkerLifecycleEvent)
		if !ok {
			t.Fatalf("expected WorkerLifecycleEvent payload, got %T", env.Payload)
		}
		if msg.WorkerID != "worker-1" {
			t.Fatalf("expected worker-1, got %q", msg.WorkerID)
		}
		if msg.State != eventbus.WorkerStateRunning {
			t.Fatalf("unexpected state %q", msg.State)
		}
		if env.Source != eventbus.SourceSupervisor {
			t.Fatalf("unexpected source %q", env.Source)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestBusDropOldest(t *testing.T) {
	bus := eventbus.New(eventbus.WithTopicBuffer(eventbus.TopicClusterBroadcast, 1))
	sub := bus.Subscribe(eventbus.TopicClusterBroadcast, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()

	for seq := 1; seq <= 2; seq++ {
		bus.Publish(ctx, eventbus.Envelope{
			Topic:  eventbus.TopicClusterBroadcast,
			Source: eventbus.SourceCluster,
			Payload: eventbus.ClusterMessageEvent{
				MessageID: string(rune('0' + seq)),
				Sender:    "worker-1",
			},
		})
	}

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.ClusterMessageEvent)
		if !ok {
			t.Fatalf("expected ClusterMessageEvent payload, got %T", env.Payload)
		}
		if msg.MessageID != "2" {
			t.Fatalf("expected newest message after drop-oldest, got %q", msg.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after drops")
	}
}

func TestBusDropNewestPolicy(t *testing.T) {
	bus := eventbus.New(
		eventbus.WithTopicBuffer(eventbus.TopicListenerStatus, 1),
		eventbus.WithTopicPolicy(eventbus.TopicListenerStatus, eventbus.DeliveryPolicy{
			Strategy: eventbus.StrategyDropNewest,
		}),
	)
	sub := bus.Subscribe(eventbus.TopicListenerStatus, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicListenerStatus,
		Payload: eventbus.ListenerStatusEvent{Port: 8000},
	})
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicListenerStatus,
		Payload: eventbus.ListenerStatusEvent{Port: 9000},
	})

	select {
	case env := <-sub.C():
		msg := env.Payload.(eventbus.ListenerStatusEvent)
		if msg.Port != 8000 {
			t.Fatalf("expected first event kept under drop-newest, got port %d", msg.Port)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusShutdownClosesSubscriptions(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicWorkersLifecycle)

	bus.Shutdown()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel after bus shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after shutdown")
	}

	// Close after shutdown must not panic.
	sub.Close()
}

func TestNilBusSubscribe(t *testing.T) {
	var bus *eventbus.Bus
	sub := bus.Subscribe(eventbus.TopicWorkersLifecycle)

	if _, ok := <-sub.C(); ok {
		t.Fatal("nil bus subscription should have a closed channel")
	}
	sub.Close()

	// Publish on a nil bus is a no-op.
	bus.Publish(context.Background(), eventbus.Envelope{Topic: eventbus.TopicWorkersLifecycle})
}

func TestTypedSubscribeSkipsMismatchedPayloads(t *testing.T) {
	bus := eventbus.New()
	sub := eventbus.SubscribeTo(bus, eventbus.Workers.Lifecycle)
	defer sub.Close()

	ctx := context.Background()

	// Wrong payload type on the same topic is skipped by the bridge.
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicWorkersLifecycle,
		Payload: "not a worker event",
	})
	eventbus.Publish(ctx, bus, eventbus.Workers.Lifecycle, eventbus.SourceSupervisor,
		eventbus.WorkerLifecycleEvent{WorkerID: "worker-2", State: eventbus.WorkerStateDead})

	select {
	case env := <-sub.C():
		if env.Payload.WorkerID != "worker-2" {
			t.Fatalf("expected worker-2, got %q", env.Payload.WorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}
