package cluster

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/eventbus"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "cluster.sock")
	hub := NewHub(socketPath)
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = hub.Shutdown(shutdownCtx)
		cancel()
	})
	return hub, socketPath
}

func connectWorker(t *testing.T, socketPath, workerID string) (*Client, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	client := NewClient(socketPath, workerID, bus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect worker %s: %v", workerID, err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		bus.Shutdown()
	})
	return client, bus
}

func waitForWorkers(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.WorkerCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d workers (have %d)", want, hub.WorkerCount())
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub, socketPath := startHub(t)

	sender, senderBus := connectWorker(t, socketPath, "worker-a")
	_, busB := connectWorker(t, socketPath, "worker-b")
	_, busC := connectWorker(t, socketPath, "worker-c")
	waitForWorkers(t, hub, 3)

	subA := eventbus.SubscribeTo(senderBus, eventbus.Cluster.Broadcast)
	subB := eventbus.SubscribeTo(busB, eventbus.Cluster.Broadcast)
	subC := eventbus.SubscribeTo(busC, eventbus.Cluster.Broadcast)

	payload := map[string]string{"action": "flush-cache"}
	if err := sender.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, sub := range map[string]*eventbus.TypedSubscription[eventbus.ClusterMessageEvent]{
		"worker-b": subB,
		"worker-c": subC,
	} {
		select {
		case ev := <-sub.C():
			if ev.Payload.Sender != "worker-a" {
				t.Fatalf("%s saw sender %s", name, ev.Payload.Sender)
			}
			if ev.CorrelationID == "" || ev.CorrelationID != ev.Payload.MessageID {
				t.Fatalf("%s envelope not correlated to the wire message: %q vs %q",
					name, ev.CorrelationID, ev.Payload.MessageID)
			}
			var got map[string]string
			if err := json.Unmarshal(ev.Payload.Payload, &got); err != nil {
				t.Fatalf("%s payload: %v", name, err)
			}
			if got["action"] != "flush-cache" {
				t.Fatalf("%s payload mismatch: %v", name, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never received broadcast", name)
		}
	}

	// The sender must not see its own message.
	select {
	case ev := <-subA.C():
		t.Fatalf("sender received its own broadcast: %+v", ev.Payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSendWithoutConnect(t *testing.T) {
	client := NewClient("/nonexistent.sock", "worker-x", nil)
	if err := client.Send("hello"); err == nil {
		t.Fatal("send before connect should fail")
	}
}

func TestHubShutdownRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "cluster.sock")
	hub := NewHub(socketPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// A fresh hub can bind the same path again.
	hub2 := NewHub(socketPath)
	if err := hub2.Start(ctx); err != nil {
		t.Fatalf("restart on same socket: %v", err)
	}
	_ = hub2.Shutdown(context.Background())
}

func TestNewMessageAssignsID(t *testing.T) {
	msg, err := NewMessage("worker-a", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ID == "" || msg.Sender != "worker-a" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	other, err := NewMessage("worker-a", nil)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ID == other.ID {
		t.Fatal("message ids must be unique")
	}
}
