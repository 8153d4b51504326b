package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"vectorflow/internal/compute"
	"vectorflow/internal/events"
	"vectorflow/internal/job"
	"vectorflow/internal/ledger"
	"vectorflow/internal/logging"
	"vectorflow/internal/metrics"
	"vectorflow/internal/services"
	"vectorflow/internal/stage"
	"vectorflow/internal/transport"
)

// Publisher hands a job to the transport layer.
type Publisher interface {
	Publish(ctx context.Context, j *job.Job) (transport.Result, error)
}

// Sleeper waits for d or until ctx ends, returning the context's cause.
type Sleeper func(ctx context.Context, d time.Duration) error

// State is what an engine is currently doing.
type State string

const (
	StateIdle          State = "idle"
	StateCheckingQueue State = "checking_queue"
	StatePublishing    State = "publishing"
	StateRunningStage  State = "running_stage"
	StateRetrying      State = "retrying"
)

// Status describes one engine for the status API.
type Status struct {
	Engine string `json:"engine"`
	State  State  `json:"state"`
	JobID  string `json:"job_id,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// Deps are the collaborators an engine needs. Ledger, Transport and Plans
// are required.
type Deps struct {
	Ledger    *ledger.Ledger
	Transport Publisher
	Plans     map[job.Kind][]stage.Handler
	Policy    RetryPolicy
	Backoff   Backoff
	Hub       *events.Hub
	Metrics   *metrics.Aggregator
	Logger    *slog.Logger
	Sampler   *logging.ProgressSampler
	Sleep     Sleeper
	Clock     func() time.Time
}

// Engine runs one job at a time.
type Engine struct {
	id   string
	deps Deps

	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

// NewEngine builds an engine named id.
func NewEngine(id string, deps Deps) *Engine {
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if len(deps.Backoff.Schedule) == 0 {
		deps.Backoff = DefaultBackoff
	}
	if deps.Sampler == nil {
		deps.Sampler = logging.NewProgressSampler(5)
	}
	logger := logging.NewComponentLogger(deps.Logger, "engine").With(logging.String(logging.FieldEngine, id))
	return &Engine{
		id:     id,
		deps:   deps,
		logger: logger,
		status: Status{Engine: id, State: StateIdle},
	}
}

// ID returns the engine name.
func (e *Engine) ID() string { return e.id }

// Status returns what the engine is doing right now.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(state State, jobID, stageName string) {
	e.mu.Lock()
	e.status = Status{Engine: e.id, State: state, JobID: jobID, Stage: stageName}
	e.mu.Unlock()
}

// Step takes the next queued job, if any, and runs it to a terminal state.
// It reports whether a job was processed.
func (e *Engine) Step(ctx context.Context) bool {
	e.setStatus(StateCheckingQueue, "", "")
	j, jobCtx, ok := e.deps.Ledger.Take(ctx, e.id)
	if !ok {
		e.setStatus(StateIdle, "", "")
		return false
	}
	e.process(jobCtx, j)
	e.setStatus(StateIdle, "", "")
	return true
}

func (e *Engine) process(ctx context.Context, j *job.Job) {
	ctx = services.WithEngine(services.WithJobID(ctx, j.ID), e.id)
	logger := logging.WithContext(ctx, logging.NewComponentLogger(e.deps.Logger, "engine"))
	defer e.deps.Sampler.Forget(j.ID)

	j.Begin(e.now())
	j.State = job.StatePublishing
	e.setStatus(StatePublishing, j.ID, "")
	e.update(j)
	e.publish(events.Event{Type: events.JobStarted, JobID: j.ID, State: string(j.State), Attempt: j.Attempt})
	logger.Info("job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("kind", string(j.Kind)),
		logging.String("priority", string(j.Priority)),
	)

	result, err := e.deps.Transport.Publish(ctx, j)
	if e.cancelled(ctx) {
		e.finishCancelled(ctx, logger, j)
		return
	}
	if err != nil {
		logging.ErrorWithContext(logger, "job publish failed on every transport", "transport_exhausted",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check broker and redis connectivity"),
		)
		e.finishFailed(ctx, logger, j, job.Failure{Kind: job.FailureTransport, Stage: "publish", Message: err.Error()})
		return
	}
	j.Transport = string(result.Backend)
	e.deps.Metrics.TransportAccepted(j.Transport)
	if result.Backend == transport.BackendFallback {
		e.publish(events.Event{Type: events.TransportFallback, JobID: j.ID, Backend: j.Transport, Message: errMessage(result.PrimaryErr)})
	}

	plan, ok := e.deps.Plans[j.Kind]
	if !ok || len(plan) == 0 {
		e.finishFailed(ctx, logger, j, job.Failure{Kind: job.FailureFatal, Message: fmt.Sprintf("no stages configured for kind %q", j.Kind)})
		return
	}

	pin := &compute.Pin{}
	if j.FallbackEngaged {
		pin.Engage()
	}
	for index, handler := range plan {
		if _, done := j.Result(handler.Name()); done {
			continue
		}
		if !e.runWithRetries(ctx, logger, j, pin, handler, index, len(plan)) {
			return
		}
	}

	j.Succeed(e.now())
	e.finish(ctx, logger, j)
}

// runWithRetries executes one stage until it succeeds or the job ends. It
// reports whether the job may continue with the next stage.
func (e *Engine) runWithRetries(ctx context.Context, logger *slog.Logger, j *job.Job, pin *compute.Pin, handler stage.Handler, index, total int) bool {
	name := handler.Name()
	stageCtx := services.WithStage(ctx, name)
	stageLogger := logger.With(logging.String(logging.FieldStage, name))

	for {
		if e.cancelled(ctx) {
			e.finishCancelled(ctx, logger, j)
			return false
		}
		j.StartAttempt(name)
		e.setStatus(StateRunningStage, j.ID, name)
		e.update(j)
		e.publish(events.Event{Type: events.StageStarted, JobID: j.ID, Stage: name, Attempt: j.Attempt, Progress: float64(j.Progress)})
		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.Int("attempt", j.Attempt),
		)

		started := e.now()
		out, err := e.runStage(stageCtx, j, pin, handler, index, total)
		elapsed := e.now().Sub(started)
		e.mirrorPin(stageLogger, j, pin)

		if err == nil {
			var data []byte
			data, err = json.Marshal(out.Data)
			if err != nil {
				err = stage.Fatal(name, fmt.Errorf("encode result: %w", err))
			} else {
				j.AppendResult(job.StageResult{
					Stage:       name,
					Summary:     out.Summary,
					Backend:     out.Backend,
					Data:        data,
					Duration:    elapsed,
					CompletedAt: e.now().UTC(),
				})
				j.SetProgress(float64(index+1) / float64(total) * 100)
				e.update(j)
				e.deps.Metrics.StageCompleted(name, elapsed)
				e.publish(events.Event{Type: events.StageCompleted, JobID: j.ID, Stage: name, Attempt: j.Attempt, Progress: float64(j.Progress), Backend: out.Backend, Message: out.Summary})
				stageLogger.Info("stage completed",
					logging.String(logging.FieldEventType, "stage_complete"),
					logging.Duration("duration", elapsed),
					logging.String("summary", out.Summary),
					logging.String("backend", out.Backend),
				)
				return true
			}
		}

		if e.cancelled(ctx) {
			e.finishCancelled(ctx, logger, j)
			return false
		}
		classified := stage.Classify(name, err)
		if e.deps.Policy.Decide(j, classified) == VerdictFail {
			failure := job.Failure{Kind: job.FailureFatal, Stage: name, Message: classified.Error()}
			if !stage.IsFatal(classified) {
				exhausted := &RetryBudgetExhaustedError{JobID: j.ID, Stage: name, Attempts: j.Attempt, Last: classified}
				failure = job.Failure{Kind: job.FailureBudget, Stage: name, Message: exhausted.Error()}
			}
			logging.ErrorWithContext(stageLogger, "stage failed", "stage_failure",
				logging.String("failure_kind", string(failure.Kind)),
				logging.Int("attempt", j.Attempt),
				logging.Error(classified),
				logging.String(logging.FieldErrorHint, hintFor(failure.Kind)),
			)
			e.finishFailed(ctx, logger, j, failure)
			return false
		}

		delay := e.deps.Backoff.Delay(j.Attempt)
		j.MarkRetrying(job.Failure{Kind: job.FailureRecoverable, Stage: name, Message: classified.Error()})
		e.setStatus(StateRetrying, j.ID, name)
		e.update(j)
		e.deps.Metrics.RetryScheduled(name)
		e.publish(events.Event{Type: events.JobRetrying, JobID: j.ID, Stage: name, State: string(j.State), Attempt: j.Attempt, Message: classified.Error()})
		logging.WarnWithContext(stageLogger, "stage failed; retrying", "stage_retry",
			logging.Int("attempt", j.Attempt),
			logging.Int("max_attempts", j.MaxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(classified),
			logging.String(logging.FieldErrorHint, "transient failure; the stage will be retried"),
			logging.String(logging.FieldImpact, "job is delayed"),
		)
		if err := e.deps.Sleep(ctx, delay); err != nil || e.cancelled(ctx) {
			e.finishCancelled(ctx, logger, j)
			return false
		}
		j.Attempt++
	}
}

// runStage calls handler.Run, converting a panic into a fatal failure.
func (e *Engine) runStage(ctx context.Context, j *job.Job, pin *compute.Pin, handler stage.Handler, index, total int) (out stage.Output, err error) {
	name := handler.Name()
	stageLogger := logging.ForJob(e.logger, j.ID, "").With(logging.String(logging.FieldStage, name))
	defer func() {
		if r := recover(); r != nil {
			stageLogger.Error("stage panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = stage.Fatal(name, fmt.Errorf("panic: %v", r))
		}
	}()

	var progressMu sync.Mutex
	snapshot := j.Clone()
	in := stage.Input{
		Job:     snapshot,
		Results: snapshot.StageResults,
		Pin:     pin,
		Progress: func(percent float64, message string) {
			progressMu.Lock()
			defer progressMu.Unlock()
			j.SetProgress((float64(index) + percent/100) / float64(total) * 100)
			e.update(j)
			if e.deps.Sampler.ShouldLog(j.ID, name, percent) {
				e.publish(events.Event{Type: events.StageProgress, JobID: j.ID, Stage: name, Attempt: j.Attempt, Progress: float64(j.Progress), Message: message})
				stageLogger.Debug("stage progress",
					logging.Float64("stage_percent", percent),
					logging.Int("job_progress", j.Progress),
					logging.String("message", message),
				)
			}
		},
	}
	return handler.Run(ctx, in)
}

func (e *Engine) mirrorPin(logger *slog.Logger, j *job.Job, pin *compute.Pin) {
	if !pin.Engaged() || j.FallbackEngaged {
		return
	}
	j.FallbackEngaged = true
	e.update(j)
	e.deps.Metrics.FallbackEngaged()
	e.publish(events.Event{Type: events.ComputeFallback, JobID: j.ID, Stage: j.Stage, Attempt: j.Attempt, Backend: "fallback"})
	logger.Info("job pinned to fallback compute", logging.String(logging.FieldEventType, "compute_fallback"))
}

func (e *Engine) finishCancelled(ctx context.Context, logger *slog.Logger, j *job.Job) {
	reason := "interrupted by shutdown"
	var cancelled *ledger.CancelledError
	if errors.As(context.Cause(ctx), &cancelled) {
		reason = cancelled.Reason
	}
	j.Cancel(reason, e.now())
	e.finish(ctx, logger, j)
}

func (e *Engine) finishFailed(ctx context.Context, logger *slog.Logger, j *job.Job, failure job.Failure) {
	j.Fail(failure, e.now())
	e.finish(ctx, logger, j)
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, j *job.Job) {
	if err := e.deps.Ledger.Finish(context.WithoutCancel(ctx), e.id, j); err != nil {
		logger.Error("ledger rejected finished job", logging.Error(err), logging.String(logging.FieldEventType, "ledger_finish_failed"))
	}
	var elapsed time.Duration
	if j.StartedAt != nil && j.CompletedAt != nil {
		elapsed = j.CompletedAt.Sub(*j.StartedAt)
	}
	e.deps.Metrics.JobFinished(j.State, elapsed)

	evt := events.Event{JobID: j.ID, Stage: j.Stage, State: string(j.State), Attempt: j.Attempt, Progress: float64(j.Progress), Backend: j.Transport}
	switch j.State {
	case job.StateSucceeded:
		evt.Type = events.JobSucceeded
		logger.Info("job succeeded",
			logging.String(logging.FieldEventType, "job_complete"),
			logging.Duration("duration", elapsed),
			logging.Int("attempts", j.Attempt),
			logging.Bool("fallback_engaged", j.FallbackEngaged),
		)
	case job.StateCancelled:
		evt.Type = events.JobCancelled
		evt.Message = failureMessage(j.Error)
		logger.Info("job cancelled", logging.String(logging.FieldEventType, "job_cancelled"), logging.String("reason", evt.Message))
	default:
		evt.Type = events.JobFailed
		evt.Message = failureMessage(j.Error)
		logger.Info("job failed", logging.String(logging.FieldEventType, "job_failed"), logging.String("reason", evt.Message))
	}
	e.publish(evt)
}

func (e *Engine) update(j *job.Job) {
	if err := e.deps.Ledger.Update(e.id, j); err != nil {
		logging.ForJob(e.logger, j.ID, "").Debug("ledger snapshot update skipped", logging.Error(err))
	}
}

func (e *Engine) publish(evt events.Event) {
	evt.Engine = e.id
	e.deps.Hub.Publish(evt)
}

func (e *Engine) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (e *Engine) now() time.Time {
	return e.deps.Clock().UTC()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func hintFor(kind job.FailureKind) string {
	switch kind {
	case job.FailureBudget:
		return "the stage kept failing; check the backing service and retry the job"
	default:
		return "the input cannot be processed; fix the payload and submit a new job"
	}
}

func failureMessage(f *job.Failure) string {
	if f == nil {
		return ""
	}
	return f.Message
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
