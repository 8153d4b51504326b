package job

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Kind selects the stage plan a job runs through.
type Kind string

const (
	KindIngest        Kind = "ingest"
	KindVectorCompute Kind = "vector-compute"
)

// Priority orders jobs in the queue. It never changes after creation.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists tiers from highest to lowest.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns the tier index (0 is served first) or -1 for unknown values.
func (p Priority) Rank() int {
	for i, candidate := range Priorities {
		if p == candidate {
			return i
		}
	}
	return -1
}

// ParsePriority converts a string into a known Priority.
func ParsePriority(value string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(value)))
	return p, p.Rank() >= 0
}

// State represents the lifecycle of a job.
type State string

const (
	StateQueued     State = "queued"
	StatePublishing State = "publishing"
	StateRunning    State = "running"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// FailureKind classifies the last error recorded on a job.
type FailureKind string

const (
	FailureRecoverable FailureKind = "recoverable"
	FailureFatal       FailureKind = "fatal"
	FailureTransport   FailureKind = "transport"
	FailureBudget      FailureKind = "retry_budget"
	FailureCancelled   FailureKind = "cancelled"
)

// Failure is the last error observed for a job.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Stage   string      `json:"stage,omitempty"`
	Message string      `json:"message"`
}

// Query carries similarity search options for vector-compute jobs.
type Query struct {
	Limit     int     `json:"limit,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Metadata travels with the payload and is never interpreted by the engine.
type Metadata struct {
	OwnerID             string   `json:"owner_id,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
	Size                int64    `json:"size,omitempty"`
}

// Payload is the opaque input handed to stages.
type Payload struct {
	Text     string   `json:"text"`
	Source   string   `json:"source,omitempty"`
	Query    *Query   `json:"query,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// StageResult is one completed stage's output. Data is stage-defined JSON.
type StageResult struct {
	Stage       string          `json:"stage"`
	Summary     string          `json:"summary,omitempty"`
	Backend     string          `json:"backend,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Job is one unit of work moving through the pipeline.
type Job struct {
	ID              string        `json:"id"`
	Kind            Kind          `json:"kind"`
	Priority        Priority      `json:"priority"`
	State           State         `json:"state"`
	Payload         Payload       `json:"payload"`
	Progress        int           `json:"progress"`
	Stage           string        `json:"stage,omitempty"`
	Attempt         int           `json:"attempt"`
	MaxAttempts     int           `json:"max_attempts"`
	StageResults    []StageResult `json:"stage_results,omitempty"`
	Error           *Failure      `json:"error,omitempty"`
	Transport       string        `json:"transport,omitempty"`
	FallbackEngaged bool          `json:"fallback_engaged"`
	RetryOf         string        `json:"retry_of,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload.Metadata.Tags = append([]string(nil), j.Payload.Metadata.Tags...)
	if j.Payload.Query != nil {
		q := *j.Payload.Query
		cp.Payload.Query = &q
	}
	if j.StageResults != nil {
		cp.StageResults = make([]StageResult, len(j.StageResults))
		for i, result := range j.StageResults {
			result.Data = append(json.RawMessage(nil), result.Data...)
			cp.StageResults[i] = result
		}
	}
	if j.Error != nil {
		failure := *j.Error
		cp.Error = &failure
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// Result returns the stored output of a completed stage.
func (j *Job) Result(stage string) (StageResult, bool) {
	for _, result := range j.StageResults {
		if result.Stage == stage {
			return result, true
		}
	}
	return StageResult{}, false
}

// Begin moves the job into the running state for its first attempt.
// StartedAt and the initial attempt are only set once.
func (j *Job) Begin(now time.Time) {
	if j.StartedAt == nil {
		ts := now
		j.StartedAt = &ts
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	j.State = StateRunning
}

// SetProgress records progress rounded to a whole percent; values are clamped
// to 0..100 and never decrease.
func (j *Job) SetProgress(percent float64) {
	rounded := int(math.Round(min(percent, 100)))
	if rounded > j.Progress {
		j.Progress = rounded
	}
}

// StartAttempt moves the job back to running on stage. A failure left by the
// previous attempt is cleared; it stays visible in the retry event.
func (j *Job) StartAttempt(stage string) {
	j.State = StateRunning
	j.Stage = stage
	j.Error = nil
}

// AppendResult records a completed stage and clears any prior failure.
func (j *Job) AppendResult(result StageResult) {
	j.StageResults = append(j.StageResults, result)
	j.Error = nil
}

// MarkRetrying records a recoverable failure ahead of another attempt.
func (j *Job) MarkRetrying(failure Failure) {
	j.State = StateRetrying
	j.Error = &failure
}

// Succeed marks the job finished.
func (j *Job) Succeed(now time.Time) {
	j.State = StateSucceeded
	j.Error = nil
	j.Progress = 100
	j.complete(now)
}

// Fail marks the job failed with failure as its cause.
func (j *Job) Fail(failure Failure, now time.Time) {
	j.State = StateFailed
	j.Error = &failure
	j.complete(now)
}

// Cancel marks the job cancelled, retaining partial results.
func (j *Job) Cancel(reason string, now time.Time) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	j.State = StateCancelled
	j.Error = &Failure{Kind: FailureCancelled, Stage: j.Stage, Message: reason}
	j.complete(now)
}

func (j *Job) complete(now time.Time) {
	if j.CompletedAt == nil {
		ts := now
		j.CompletedAt = &ts
	}
}
