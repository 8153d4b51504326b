package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"vectorflow/internal/job"
	"vectorflow/internal/stage"
)

const pingTimeout = 5 * time.Second

// CheckPing pings a single dependency with a short timeout and a single attempt.
func CheckPing(ctx context.Context, check Check) Result {
	result := Result{Name: check.Name, Optional: check.Optional}
	if check.Target == nil {
		result.Passed = check.Optional
		result.Detail = check.Skipped
		if result.Detail == "" {
			result.Detail = "not configured"
		}
		return result
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := check.Target.Ping(pingCtx); err != nil {
		result.Detail = summarizeError(err)
		return result
	}
	result.Passed = true
	result.Detail = "reachable"
	return result
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckStages runs the health check of every distinct stage in plans.
func CheckStages(ctx context.Context, plans map[job.Kind][]stage.Handler) []Result {
	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	seen := make(map[string]bool)
	var results []Result
	for _, handlers := range plans {
		for _, handler := range handlers {
			if handler == nil || seen[handler.Name()] {
				continue
			}
			seen[handler.Name()] = true
			name := "Stage " + handler.Name()
			checker, ok := handler.(stage.HealthChecker)
			if !ok {
				results = append(results, Result{Name: name, Passed: true, Detail: "no health check"})
				continue
			}
			health := checker.HealthCheck(checkCtx)
			detail := health.Detail
			if health.Ready && detail == "" {
				detail = "ready"
			}
			results = append(results, Result{Name: name, Passed: health.Ready, Detail: detail})
		}
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	return results
}

// summarizeError produces a human-readable summary for ping failures.
func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out (service unreachable)"
	}
	return err.Error()
}
