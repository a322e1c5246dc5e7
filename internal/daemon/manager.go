package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
)

// ErrAlreadyRunning is returned when the PID file names a live process.
var ErrAlreadyRunning = errors.New("dmgmeter: already running")

// ReadPIDFile returns the process id recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("pid file %s: %w", path, core.ErrNotFound)
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid content %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// checkNotRunning fails when path names a live process other than this
// one. A stale file is ignored and overwritten by the caller.
func checkNotRunning(path string) error {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return nil
	}
	if pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("pid %d from %s: %w", pid, path, ErrAlreadyRunning)
	}
	return nil
}

// StopRunning sends SIGTERM to the process recorded in path and waits up to
// timeout for it to exit.
func StopRunning(path string, timeout time.Duration) error {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return fmt.Errorf("dmgmeter not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d still running after %s", pid, timeout)
}
