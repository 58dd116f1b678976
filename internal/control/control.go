package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WorkerStatus is one worker's entry in a status response.
type WorkerStatus struct {
	ID    string `json:"id"`
	PID   int    `json:"pid"`
	State string `json:"state"`
}

// RunStatus is one open worker run from the state store.
type RunStatus struct {
	WorkerID  string    `json:"worker_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Status is the response body for GET /status.
type Status struct {
	Version   string         `json:"version"`
	PID       int            `json:"pid"`
	State     string         `json:"state"`
	StartedAt time.Time      `json:"started_at"`
	Workers   []WorkerStatus `json:"workers"`
	Runs      []RunStatus    `json:"runs,omitempty"`
}

// Options configure the control server.
type Options struct {
	// StatusFn supplies the current daemon status.
	StatusFn func() Status

	// ShutdownFn requests a daemon shutdown. Called from the request
	// handler goroutine.
	ShutdownFn func(reason string)

	// HealthSocket, when set, additionally serves the standard gRPC
	// health service on its own unix socket.
	HealthSocket string

	Logger *log.Logger
}

// Server exposes the daemon's control surface on a unix socket: a small
// JSON API for the operator CLI, and optionally the stock gRPC health
// service for external probes.
type Server struct {
	socketPath string
	opts       Options
	logger     *log.Logger

	mu           sync.Mutex
	httpServer   *http.Server
	listener     net.Listener
	grpcServer   *grpc.Server
	healthServer *health.Server
	grpcListener net.Listener
}

// New constructs a control server bound to the given unix socket path.
func New(socketPath string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		socketPath: socketPath,
		opts:       opts,
		logger:     logger,
	}
}

// Start binds the control socket(s).
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("control: already started")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/shutdown", s.handleShutdown)

	server := &http.Server{Handler: mux}
	s.httpServer = server
	s.listener = ln

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Printf("[control] serve error: %v", err)
		}
	}()
	s.logger.Printf("[control] listening on %s", s.socketPath)

	if s.opts.HealthSocket != "" {
		if err := s.startHealth(); err != nil {
			_ = ln.Close()
			s.httpServer = nil
			s.listener = nil
			return err
		}
	}

	return nil
}

func (s *Server) startHealth() error {
	if err := os.Remove(s.opts.HealthSocket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale health socket: %w", err)
	}

	ln, err := net.Listen("unix", s.opts.HealthSocket)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.opts.HealthSocket, err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s.grpcServer = grpcServer
	s.healthServer = healthServer
	s.grpcListener = ln

	go func() {
		if err := grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
			s.logger.Printf("[control] health serve error: %v", err)
		}
	}()
	s.logger.Printf("[control] health service on %s", s.opts.HealthSocket)
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var status Status
	if s.opts.StatusFn != nil {
		status = s.opts.StatusFn()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "control request"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting-down"})

	if s.opts.ShutdownFn != nil {
		go s.opts.ShutdownFn(body.Reason)
	}
}

// SetNotServing flips the gRPC health status during shutdown.
func (s *Server) SetNotServing() {
	s.mu.Lock()
	healthServer := s.healthServer
	s.mu.Unlock()

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Shutdown closes all control listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	grpcServer := s.grpcServer
	s.httpServer = nil
	s.listener = nil
	s.grpcServer = nil
	s.healthServer = nil
	s.grpcListener = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("control: shutdown: %w", err)
	}

	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
		_ = os.Remove(s.opts.HealthSocket)
	}

	_ = os.Remove(s.socketPath)
	return nil
}

// Client is the CLI-side caller of the control API.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a control client for the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://wardend/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control: request status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control: status request failed: %s", resp.Status)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("control: decode status: %w", err)
	}
	return &status, nil
}

// Shutdown asks the daemon to shut down.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://wardend/shutdown", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control: request shutdown: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control: shutdown request failed: %s", resp.Status)
	}
	return nil
}
