package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"vectorflow/internal/compute"
	"vectorflow/internal/job"
)

// Handler describes the contract the pipeline engine needs from each stage.
// Run must be idempotent: a retried attempt receives the same input and may
// observe side effects of the failed attempt.
type Handler interface {
	Name() string
	Run(context.Context, Input) (Output, error)
}

// HealthChecker is implemented by stages that depend on external services.
type HealthChecker interface {
	HealthCheck(context.Context) Health
}

// Input is everything a stage may read. Job is a snapshot and must not be
// mutated.
type Input struct {
	Job      *job.Job
	Results  []job.StageResult
	Pin      *compute.Pin
	Progress func(percent float64, message string)
}

// Report forwards stage-local progress (0..100) when a callback is installed.
func (in Input) Report(percent float64, message string) {
	if in.Progress == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	in.Progress(percent, message)
}

// Decode unmarshals the stored output of a prior stage into v. A missing or
// malformed result is fatal because retrying cannot produce it.
func (in Input) Decode(stageName, current string, v any) error {
	for _, result := range in.Results {
		if result.Stage != stageName {
			continue
		}
		if err := json.Unmarshal(result.Data, v); err != nil {
			return Fatal(current, fmt.Errorf("decode %s result: %w", stageName, err))
		}
		return nil
	}
	return Fatal(current, fmt.Errorf("missing %s result", stageName))
}

// Output is a completed stage's result. Data is stored as JSON on the job.
type Output struct {
	Data    any
	Summary string
	Backend string
}
