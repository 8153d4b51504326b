package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vectorflow/internal/api"
	"vectorflow/internal/services"
)

const pollInterval = 200 * time.Millisecond

// ErrDaemonNotRunning indicates neither the API nor the pid file points at a
// live daemon.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StatusProber is the slice of the API client used to detect a live daemon.
type StatusProber interface {
	Status(ctx context.Context) (api.StatusResponse, error)
}

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
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

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Launch starts a detached `serve` process from executablePath.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	args := []string{"serve"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForAPI polls until the daemon reports running or timeout passes.
func WaitForAPI(ctx context.Context, prober StatusProber, timeout time.Duration) (api.StatusResponse, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var lastErr error
	for {
		status, err := prober.Status(waitCtx)
		if err == nil && status.Running {
			return status, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("daemon answered but is not running")
		}
		select {
		case <-waitCtx.Done():
			return api.StatusResponse{}, fmt.Errorf("daemon failed to start: %w", lastErr)
		case <-time.After(pollInterval):
		}
	}
}

// EnsureStarted launches the daemon unless the API already answers.
func EnsureStarted(ctx context.Context, prober StatusProber, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if status, err := prober.Status(ctx); err == nil && status.Running {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	status, err := WaitForAPI(ctx, prober, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, PID: status.PID}, nil
}

// Stop sends SIGTERM to the daemon and escalates to SIGKILL once
// gracePeriod passes. The pid comes from the API when it answers and from
// pidPath otherwise.
func Stop(ctx context.Context, prober StatusProber, pidPath string, gracePeriod time.Duration) (StopResult, error) {
	pid := 0
	if status, err := prober.Status(ctx); err == nil && status.Running {
		pid = status.PID
	} else if err != nil && !isUnreachable(err) {
		return StopResult{}, err
	}
	if pid == 0 {
		filePID, err := ReadPID(pidPath)
		if err != nil {
			return StopResult{}, err
		}
		pid = filePID
	}
	if pid <= 0 || !processAlive(pid) {
		_ = os.Remove(pidPath)
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}

	result := StopResult{PID: pid}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return result, fmt.Errorf("signal daemon %d: %w", pid, err)
	}
	if waitForExit(ctx, pid, gracePeriod) {
		return result, nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return result, fmt.Errorf("kill daemon %d: %w", pid, err)
	}
	result.ForcedKill = true
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	return result, nil
}

// ReadPID returns the pid recorded at path, or 0 when the file is absent.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read daemon pid file %q: %w", path, err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon pid file %q holds %q", path, raw)
	}
	return pid, nil
}

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isUnreachable(err error) bool {
	var status *services.StatusError
	return errors.Is(err, services.ErrUnavailable) && !errors.As(err, &status)
}
