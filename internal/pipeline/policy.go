package pipeline

import (
	"fmt"
	"time"

	"vectorflow/internal/job"
	"vectorflow/internal/stage"
)

// DefaultBackoff is used when no schedule is configured.
var DefaultBackoff = Backoff{Schedule: []time.Duration{2 * time.Second}}

// Backoff maps a retry number to a delay.
type Backoff struct {
	Schedule []time.Duration
}

// Delay returns the wait before the given retry (1-based). Retries past the
// end of the schedule reuse its last value.
func (b Backoff) Delay(retry int) time.Duration {
	if len(b.Schedule) == 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	if retry > len(b.Schedule) {
		return b.Schedule[len(b.Schedule)-1]
	}
	return b.Schedule[retry-1]
}

// Verdict is the retry policy's decision for a failed stage.
type Verdict string

const (
	VerdictRetry Verdict = "retry"
	VerdictFail  Verdict = "fail"
)

// RetryPolicy decides whether a stage failure is retried.
type RetryPolicy struct{}

// Decide retries recoverable errors while the job has attempts left. The
// budget is per job: attempts used by earlier stages count.
func (RetryPolicy) Decide(j *job.Job, err error) Verdict {
	if err == nil || stage.IsFatal(err) {
		return VerdictFail
	}
	if j.Attempt < j.MaxAttempts {
		return VerdictRetry
	}
	return VerdictFail
}

// RetryBudgetExhaustedError reports a recoverable failure with no attempts left.
type RetryBudgetExhaustedError struct {
	JobID    string
	Stage    string
	Attempts int
	Last     error
}

func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("job %s: retry budget exhausted after %d attempts in stage %s: %v", e.JobID, e.Attempts, e.Stage, e.Last)
}

func (e *RetryBudgetExhaustedError) Unwrap() error { return e.Last }
