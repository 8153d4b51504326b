package preflight

import (
	"context"

	"vectorflow/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Pinger is anything that can confirm an external dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one dependency to ping.
type Check struct {
	Name     string
	Target   Pinger
	Optional bool
	// Skipped is reported instead of pinging when Target is nil.
	Skipped string
}

// RunAll checks the data directory and then pings every dependency in order.
func RunAll(ctx context.Context, cfg *config.Config, checks ...Check) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{CheckDirectoryAccess("Data directory", cfg.Paths.DataDir)}
	for _, check := range checks {
		results = append(results, CheckPing(ctx, check))
	}
	return results
}

// Failed reports whether any required check did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Optional {
			return true
		}
	}
	return false
}
