package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorflow/internal/api"
	"vectorflow/internal/daemonctl"
	"vectorflow/internal/services"
)

type fakeProber struct {
	calls        atomic.Int32
	runningAfter int32
	pid          int
}

func (f *fakeProber) Status(context.Context) (api.StatusResponse, error) {
	if f.calls.Add(1) <= f.runningAfter {
		return api.StatusResponse{}, services.Wrap(services.ErrUnavailable, "vectorflow-api", "GET /api/status", "", errors.New("connection refused"))
	}
	return api.StatusResponse{Running: true, PID: f.pid}, nil
}

func unreachable() *fakeProber { return &fakeProber{runningAfter: 1 << 30} }

func startProcess(t *testing.T, name string, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(name, args...)
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-exited
	})
	return cmd
}

func writePID(t *testing.T, pid int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vectorflow.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644))
	return path
}

func TestEnsureStartedSkipsLaunchWhenRunning(t *testing.T) {
	prober := &fakeProber{pid: 4242}
	result, err := daemonctl.EnsureStarted(context.Background(), prober, "", daemonctl.LaunchOptions{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, daemonctl.StartStateAlreadyRunning, result.State)
	assert.Equal(t, 4242, result.PID)
}

func TestEnsureStartedLaunchesAndWaits(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true binary not available")
	}
	prober := &fakeProber{runningAfter: 2, pid: 99}
	result, err := daemonctl.EnsureStarted(context.Background(), prober, truePath, daemonctl.LaunchOptions{ConfigPath: "/tmp/x.toml"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, daemonctl.StartStateStarted, result.State)
	assert.Equal(t, 99, result.PID)
	assert.GreaterOrEqual(t, prober.calls.Load(), int32(3))
}

func TestWaitForAPITimesOut(t *testing.T) {
	_, err := daemonctl.WaitForAPI(context.Background(), unreachable(), 300*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrUnavailable)
}

func TestStopTerminatesProcessFromPIDFile(t *testing.T) {
	cmd := startProcess(t, "sleep", "30")
	pidPath := writePID(t, cmd.Process.Pid)

	result, err := daemonctl.Stop(context.Background(), unreachable(), pidPath, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, result.PID)
	assert.False(t, result.ForcedKill)
}

func TestStopEscalatesToKill(t *testing.T) {
	cmd := startProcess(t, "sh", "-c", `trap "" TERM; exec sleep 30`)
	comm := filepath.Join("/proc", strconv.Itoa(cmd.Process.Pid), "comm")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(comm)
		return err == nil && strings.TrimSpace(string(data)) == "sleep"
	}, 5*time.Second, 10*time.Millisecond)
	pidPath := writePID(t, cmd.Process.Pid)

	result, err := daemonctl.Stop(context.Background(), unreachable(), pidPath, 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.ForcedKill)
	_, statErr := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStopReportsNotRunning(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "vectorflow.pid")
	_, err := daemonctl.Stop(context.Background(), unreachable(), missing, time.Second)
	assert.ErrorIs(t, err, daemonctl.ErrDaemonNotRunning)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()
	pid, err := daemonctl.ReadPID(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Zero(t, pid)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o644))
	_, err = daemonctl.ReadPID(bad)
	assert.Error(t, err)

	good := writePID(t, 1234)
	pid, err = daemonctl.ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
}
