package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"logtail/internal/client"
	"logtail/internal/daemonrun"
)

// ErrDaemonNotRunning indicates no daemon answers and no live pid is recorded.
var ErrDaemonNotRunning = errors.New("daemon not running")

const pollInterval = 100 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogDir     string
	Bind       string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// StopResult captures daemon stop outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Launch starts a detached `serve` process of executablePath.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"serve"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if dir := strings.TrimSpace(opts.LogDir); dir != "" {
		args = append(args, "--log-dir", dir)
	}
	if bind := strings.TrimSpace(opts.Bind); bind != "" {
		args = append(args, "--bind", bind)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForAPI polls the daemon status endpoint until it answers.
func WaitForAPI(ctx context.Context, cl *client.Client, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		status, err := cl.Status(ctx)
		if err == nil && status.Running {
			return status.PID, nil
		}
		if err == nil {
			err = errors.New("daemon reports not running")
		}
		lastErr = err
		if err := sleep(ctx, pollInterval); err != nil {
			return 0, err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for daemon")
	}
	return 0, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on cl.
func EnsureStarted(ctx context.Context, cl *client.Client, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if status, err := cl.Status(ctx); err == nil && status.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	} else if err != nil && !client.IsAPIUnavailable(err) {
		return StartResult{}, err
	}

	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	pid, err := WaitForAPI(ctx, cl, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, PID: pid}, nil
}

// Stop signals the daemon recorded in pidPath and waits for it to exit,
// killing it once gracePeriod elapses.
func Stop(ctx context.Context, pidPath, lockPath string, gracePeriod time.Duration) (StopResult, error) {
	pid, err := daemonrun.ReadPID(pidPath)
	if err != nil {
		return StopResult{}, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	if pid <= 0 {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	if !processAlive(pid) {
		_ = os.Remove(pidPath)
		return StopResult{}, ErrDaemonNotRunning
	}

	result := StopResult{PID: pid}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitForExit(ctx, pid, gracePeriod) {
		return result, nil
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return result, nil
}

// ProcessInfo reports whether the pid recorded in pidPath is alive.
func ProcessInfo(pidPath string) (bool, int, error) {
	pid, err := daemonrun.ReadPID(pidPath)
	if err != nil {
		return false, 0, err
	}
	return processAlive(pid), pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		if sleep(ctx, pollInterval) != nil {
			return false
		}
	}
	return !processAlive(pid)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
