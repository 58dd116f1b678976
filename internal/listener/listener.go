package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/wardenhq/warden/internal/config"
)

// Info describes a single bound listener.
type Info struct {
	Scheme  string
	Address string
	Port    int
}

// Status summarises the listeners owned by a Manager.
type Status struct {
	Primary   Info
	Secondary *Info
}

// Options configure additional behaviour for the Manager.
type Options struct {
	// Handler is the application request pipeline mounted on the primary
	// listener. The Manager treats it as opaque.
	Handler http.Handler

	// Logger overrides the default logger.
	Logger *log.Logger
}

// Manager owns a worker's network listeners. The primary listener serves
// TLS or plaintext depending on the configured credentials; when TLS is
// active and a secondary plaintext port is configured, a second listener
// answers ACME challenges and redirects everything else to HTTPS.
type Manager struct {
	cfg    config.Config
	creds  *Credentials
	opts   Options
	logger *log.Logger

	mu                sync.RWMutex
	primaryServer     *http.Server
	primaryListener   net.Listener
	secondaryServer   *http.Server
	secondaryListener net.Listener
	errCh             chan error
	wg                sync.WaitGroup
	status            Status
}

// New constructs a Manager for the given configuration. TLS credentials
// are resolved eagerly so misconfiguration fails before any bind.
func New(cfg config.Config, opts ...Options) (*Manager, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	creds, err := LoadCredentials(cfg.SSL)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:    cfg,
		creds:  creds,
		opts:   opt,
		logger: logger,
	}, nil
}

// TLSEnabled reports whether the primary listener serves TLS.
func (m *Manager) TLSEnabled() bool {
	return m.creds != nil
}

// WatchPaths returns the credential files backing the TLS configuration.
// Empty for plaintext listeners and inline PEM credentials.
func (m *Manager) WatchPaths() []string {
	if m.creds == nil {
		return nil
	}
	return m.creds.WatchPaths
}

// Start binds and serves all configured listeners. It must not be called
// concurrently with Shutdown.
func (m *Manager) Start(ctx context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.primaryListener != nil {
		return nil, fmt.Errorf("listener: already started")
	}

	var tlsConfig *tls.Config
	scheme := "http"
	if m.creds != nil {
		var err error
		tlsConfig, err = m.creds.TLSConfig()
		if err != nil {
			return nil, err
		}
		scheme = "https"
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	primaryListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}

	primaryServer := &http.Server{
		Addr:      addr,
		Handler:   buildPrimaryHandler(m.cfg, m.opts.Handler, m.logger.Printf),
		TLSConfig: tlsConfig,
	}

	m.primaryServer = primaryServer
	m.primaryListener = primaryListener
	m.errCh = make(chan error, 2)
	m.status = Status{
		Primary: Info{
			Scheme:  scheme,
			Address: primaryListener.Addr().String(),
			Port:    listenerPort(primaryListener),
		},
	}

	m.wg.Add(1)
	go m.serve(primaryServer, primaryListener, tlsConfig != nil, scheme)
	m.logger.Printf("[listener] %s listening on %s", scheme, primaryListener.Addr())

	if m.creds != nil && m.cfg.HTTP.Port > 0 {
		secondaryAddr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.HTTP.Port))
		secondaryListener, err := net.Listen("tcp", secondaryAddr)
		if err != nil {
			_ = primaryListener.Close()
			m.primaryServer = nil
			m.primaryListener = nil
			return nil, fmt.Errorf("listener: bind %s: %w", secondaryAddr, err)
		}

		secondaryServer := &http.Server{
			Addr:    secondaryAddr,
			Handler: withTimeout(m.cfg, newSecondaryHandler(m.cfg.HTTP.Webroot, m.cfg.Port)),
		}

		m.secondaryServer = secondaryServer
		m.secondaryListener = secondaryListener
		info := Info{
			Scheme:  "http",
			Address: secondaryListener.Addr().String(),
			Port:    listenerPort(secondaryListener),
		}
		m.status.Secondary = &info

		m.wg.Add(1)
		go m.serve(secondaryServer, secondaryListener, false, "http")
		m.logger.Printf("[listener] plaintext listening on %s (acme + redirect)", secondaryListener.Addr())
	}

	errCh := m.errCh
	go func(ch chan error) {
		m.wg.Wait()
		close(ch)
	}(errCh)

	statusCopy := m.status
	return &statusCopy, nil
}

func (m *Manager) serve(server *http.Server, ln net.Listener, useTLS bool, scheme string) {
	defer m.wg.Done()

	var err error
	if useTLS {
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		m.logger.Printf("[listener] %s serve error: %v", scheme, err)
		m.pushError(err)
	}
}

func (m *Manager) pushError(err error) {
	if err == nil {
		return
	}
	m.mu.RLock()
	ch := m.errCh
	m.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown drains both listeners concurrently and waits for completion.
// Existing connections are given until ctx expires to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	primary := m.primaryServer
	secondary := m.secondaryServer
	errCh := m.errCh
	m.primaryServer = nil
	m.primaryListener = nil
	m.secondaryServer = nil
	m.secondaryListener = nil
	m.errCh = nil
	m.mu.Unlock()

	if primary == nil && secondary == nil {
		return nil
	}

	servers := make([]*http.Server, 0, 2)
	if primary != nil {
		servers = append(servers, primary)
	}
	if secondary != nil {
		servers = append(servers, secondary)
	}

	closeErrs := make(chan error, len(servers))
	var closeWG sync.WaitGroup
	for _, srv := range servers {
		closeWG.Add(1)
		go func(srv *http.Server) {
			defer closeWG.Done()
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				closeErrs <- err
			}
		}(srv)
	}
	closeWG.Wait()
	close(closeErrs)

	m.wg.Wait()

	for err := range closeErrs {
		if err != nil {
			return err
		}
	}

	if errCh != nil {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		default:
		}
	}

	return nil
}

// Errors exposes the listener error channel (closed when the manager
// stops). Errors are reported, never fatal to the process.
func (m *Manager) Errors() <-chan error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return m.errCh
}

// Status returns the last known listener status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func listenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
