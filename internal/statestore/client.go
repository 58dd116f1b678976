package statestore

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Client is the worker-facing collaborator wrapper around Store. It
// exposes the connect/disconnect lifecycle workers drive around their
// startup and shutdown events: Connect opens the store and records the
// worker's run, Disconnect closes the run and releases the database.
type Client struct {
	path     string
	workerID string

	mu    sync.Mutex
	store *Store
	runID int64
}

// NewClient creates a collaborator client for the given worker.
func NewClient(path, workerID string) *Client {
	return &Client{path: path, workerID: workerID}
}

// Connect opens the store and records the start of this worker's run.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		return fmt.Errorf("statestore: already connected")
	}

	store, err := Open(c.path)
	if err != nil {
		return err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("statestore: ping: %w", err)
	}

	runID, err := store.RecordStart(ctx, c.workerID, os.Getpid())
	if err != nil {
		_ = store.Close()
		return err
	}

	c.store = store
	c.runID = runID
	return nil
}

// Disconnect records the end of the run and closes the store.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	store := c.store
	runID := c.runID
	c.store = nil
	c.mu.Unlock()

	if store == nil {
		return nil
	}

	stopErr := store.RecordStop(ctx, runID, "shutdown")
	closeErr := store.Close()
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

// Store returns the underlying store, or nil before Connect.
func (c *Client) Store() *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}
