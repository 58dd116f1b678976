package certwatch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes TLS credential files on disk. Any modification to a
// watched file is treated like a termination signal: the callback fires
// once and the process is expected to shut down so its supervisor can
// respawn it with freshly loaded credentials. There is no in-place
// certificate hot-swap.
type Watcher struct {
	paths    map[string]struct{}
	onChange func(path string)
	logger   *log.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	fireOnce sync.Once
	done     chan struct{}
}

// Options configure a Watcher.
type Options struct {
	Logger *log.Logger
}

// New creates a watcher for the given credential files. The callback is
// invoked at most once, from the watcher goroutine.
func New(paths []string, onChange func(path string), opts ...Options) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("certwatch: no paths to watch")
	}
	if onChange == nil {
		return nil, fmt.Errorf("certwatch: onChange callback is required")
	}

	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	resolved := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("certwatch: resolve %s: %w", p, err)
		}
		resolved[abs] = struct{}{}
	}

	return &Watcher{
		paths:    resolved,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Start begins watching. Parent directories are watched rather than the
// files themselves so atomic replaces (write to temp, rename over) are
// still observed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return fmt.Errorf("certwatch: already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("certwatch: create watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for path := range w.paths {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("certwatch: watch %s: %w", dir, err)
		}
	}

	w.fsw = fsw
	w.done = make(chan struct{})

	go w.loop(ctx, fsw)

	for path := range w.paths {
		w.logger.Printf("[certwatch] watching %s", path)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.fireOnce.Do(func() {
				w.logger.Printf("[certwatch] credential file changed: %s (%s)", event.Name, event.Op)
				w.onChange(event.Name)
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("[certwatch] watch error: %v", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, watched := w.paths[abs]
	return watched
}

// Shutdown stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	fsw := w.fsw
	done := w.done
	w.fsw = nil
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}

	if err := fsw.Close(); err != nil {
		return fmt.Errorf("certwatch: close watcher: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
