//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulTerminate sends SIGTERM to the process for graceful shutdown.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to the process identified by pid.
func TerminateByPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// RestartByPID sends the restart signal (SIGUSR2) to the process
// identified by pid. The daemon handles it like a termination signal;
// the supervisor's respawn loop brings workers back up with fresh state.
func RestartByPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGUSR2)
}

// IsProcessAlive checks whether a process with the given pid is still running.
func IsProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
