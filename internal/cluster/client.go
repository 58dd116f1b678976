package cluster

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/eventbus"
)

const dialTimeout = 5 * time.Second

// Client is the worker-side end of the broadcast relay. Messages sent
// with Send are relayed to every other worker; messages arriving from
// the relay are republished on the local event bus.
type Client struct {
	socketPath string
	workerID   string
	bus        *eventbus.Bus
	logger     *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// ClientOptions configure a Client.
type ClientOptions struct {
	Logger *log.Logger
}

// NewClient creates a relay client for the given worker.
func NewClient(socketPath, workerID string, bus *eventbus.Bus, opts ...ClientOptions) *Client {
	var opt ClientOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		socketPath: socketPath,
		workerID:   workerID,
		bus:        bus,
		logger:     logger,
	}
}

// Connect dials the relay socket and starts the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("cluster: already connected")
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}

	header := http.Header{workerHeader: []string{c.workerID}}
	conn, resp, err := dialer.DialContext(ctx, "ws://wardend/cluster", header)
	if err != nil {
		return fmt.Errorf("cluster: dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.conn = conn
	c.done = make(chan struct{})

	go c.readLoop(conn)
	return nil
}

// Send relays an arbitrary payload to all other workers.
func (c *Client) Send(payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("cluster: not connected")
	}

	msg, err := NewMessage(c.workerID, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("cluster: send: %w", err)
	}
	return nil
}

// readLoop republishes relayed messages on the local event bus.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		// Envelope carries the sender's clock and the wire message id,
		// so consumers can trace a broadcast across workers.
		eventbus.PublishWithOpts(context.Background(), c.bus, eventbus.Cluster.Broadcast, eventbus.SourceCluster, eventbus.ClusterMessageEvent{
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Payload:   msg.Payload,
			Received:  time.Now().UTC(),
		}, eventbus.WithTimestamp(msg.Timestamp), eventbus.WithCorrelationID(msg.ID))
	}
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
	return err
}
