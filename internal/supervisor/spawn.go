package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/wardenhq/warden/internal/procutil"
)

// EnvWorkerID marks a spawned process as a worker and carries its slot
// id. The daemon binary re-executes itself with this variable set; Go
// has no fork, so worker processes are fresh executions of the same
// binary.
const EnvWorkerID = "WARDEN_WORKER"

const defaultGracePeriod = 10 * time.Second

// ExitStatus describes a finished worker process.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle controls one spawned worker process. Done is closed when the
// process exits; ExitStatus is valid only after that.
type Handle interface {
	PID() int
	Done() <-chan struct{}
	ExitStatus() ExitStatus
	Terminate(grace time.Duration) error
}

// Spawner creates worker processes. Injected so the respawn logic can be
// exercised without forking real processes.
type Spawner interface {
	Spawn(ctx context.Context, workerID string) (Handle, error)
}

// ExecSpawner spawns workers by re-executing the current binary.
type ExecSpawner struct {
	// ConfigPath, when set, is propagated to workers via WARDEN_CONFIG.
	ConfigPath string

	// Instance is propagated via WARDEN_INSTANCE.
	Instance string
}

// Spawn launches a worker process inheriting the parent's stdio.
func (s *ExecSpawner) Spawn(ctx context.Context, workerID string) (Handle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe)
	env := append(os.Environ(), EnvWorkerID+"="+workerID)
	if s.ConfigPath != "" {
		env = append(env, "WARDEN_CONFIG="+s.ConfigPath)
	}
	if s.Instance != "" {
		env = append(env, "WARDEN_INSTANCE="+s.Instance)
	}
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker %s: %w", workerID, err)
	}

	proc := &workerProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.status = ExitStatus{Code: exitCode(err), Err: err}
		proc.mu.Unlock()
		close(proc.done)
	}()

	return proc, nil
}

type workerProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
}

func (p *workerProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *workerProcess) Done() <-chan struct{} {
	return p.done
}

func (p *workerProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Terminate sends SIGTERM and waits for graceful exit. If the process
// does not exit within grace, it is killed forcibly.
func (p *workerProcess) Terminate(grace time.Duration) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	select {
	case <-p.done:
		return p.ExitStatus().Err
	default:
	}

	_ = procutil.GracefulTerminate(p.cmd.Process)

	if grace <= 0 {
		grace = defaultGracePeriod
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.ExitStatus().Err
	case <-timer.C:
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("supervisor: kill worker: %w", err)
		}
		<-p.done
		return p.ExitStatus().Err
	}
}

// exitCode extracts the exit code from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 1
}

// IsWorkerProcess reports whether the current process was spawned as a
// worker, and the worker id when it was.
func IsWorkerProcess() (string, bool) {
	id := os.Getenv(EnvWorkerID)
	return id, id != ""
}
