package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// workerHeader carries the sender's worker id on the upgrade request.
const workerHeader = "X-Warden-Worker"

// Hub is the supervisor-side broadcast relay. Workers connect over a
// unix socket; any message published by one worker is fanned out to
// every other connected worker. No persistence, no delivery guarantee
// for workers that are mid-restart.
type Hub struct {
	socketPath string
	logger     *log.Logger
	upgrader   websocket.Upgrader

	register   chan *hubClient
	unregister chan *hubClient
	relay      chan Message

	mu       sync.RWMutex
	clients  map[*hubClient]bool
	listener net.Listener
	server   *http.Server
	stop     chan struct{}
	done     chan struct{}
}

type hubClient struct {
	workerID string
	conn     *websocket.Conn
	send     chan Message
	hub      *Hub
}

// HubOptions configure a Hub.
type HubOptions struct {
	Logger *log.Logger
}

// NewHub creates a relay bound to the given unix socket path.
func NewHub(socketPath string, opts ...HubOptions) *Hub {
	var opt HubOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Hub{
		socketPath: socketPath,
		logger:     logger,
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		relay:      make(chan Message, 256),
		clients:    make(map[*hubClient]bool),
	}
}

// Start binds the unix socket and begins relaying. A stale socket file
// from a previous run is removed first.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listener != nil {
		return fmt.Errorf("cluster: hub already started")
	}

	if err := os.Remove(h.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cluster: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", h.socketPath, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", h.handleUpgrade)
	server := &http.Server{Handler: mux}

	h.listener = ln
	h.server = server
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	go h.run(ctx)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			h.logger.Printf("[cluster] hub serve error: %v", err)
		}
	}()

	h.logger.Printf("[cluster] broadcast hub listening on %s", h.socketPath)
	return nil
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Printf("[cluster] worker %s connected", client.workerID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Printf("[cluster] worker %s disconnected", client.workerID)

		case msg := <-h.relay:
			h.fanOut(msg)
		}
	}
}

// fanOut delivers a message to every connected worker except the sender.
func (h *Hub) fanOut(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients {
		if client.workerID == msg.Sender {
			continue
		}
		select {
		case client.send <- msg:
			delivered++
		default:
			// Worker's send channel is full, skip.
		}
	}
	h.logger.Printf("[cluster] relayed message %s from worker %s to %d worker(s)", msg.ID, msg.Sender, delivered)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	workerID := r.Header.Get(workerHeader)
	if workerID == "" {
		http.Error(w, "missing worker id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[cluster] upgrade error: %v", err)
		return
	}

	client := &hubClient{
		workerID: workerID,
		conn:     conn,
		send:     make(chan Message, 64),
		hub:      h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// WorkerCount returns the number of connected workers.
func (h *Hub) WorkerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes the socket and disconnects all workers.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	stop := h.stop
	done := h.done
	clients := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.server = nil
	h.listener = nil
	h.mu.Unlock()

	if server == nil {
		return nil
	}

	close(stop)

	for _, client := range clients {
		_ = client.conn.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cluster: shutdown hub: %w", err)
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_ = os.Remove(h.socketPath)
	return nil
}

func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Sender == "" {
			msg.Sender = c.workerID
		}
		select {
		case c.hub.relay <- msg:
		default:
			// Relay queue full, drop.
		}
	}
}

func (c *hubClient) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
