package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vectorflow/internal/events"
	"vectorflow/internal/job"
	"vectorflow/internal/logging"
	"vectorflow/internal/queue"
)

var (
	// ErrNotFound reports an id the ledger has never seen.
	ErrNotFound = errors.New("job not found")
	// ErrFinished reports an operation that needs a non-terminal job.
	ErrFinished = errors.New("job already finished")
	// ErrNotFailed reports a retry request for a job that did not fail.
	ErrNotFailed = errors.New("job has not failed")
	// ErrNotOwner reports an engine touching a job it does not hold.
	ErrNotOwner = errors.New("job is not held by this engine")
)

// CancelledError is the context cause attached to a cancelled running job.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return "cancelled: " + e.Reason
}

// Recorder persists terminal jobs.
type Recorder interface {
	Record(ctx context.Context, j *job.Job) error
}

// Location names where a job currently lives.
type Location string

const (
	LocationQueued    Location = "queued"
	LocationRunning   Location = "running"
	LocationCompleted Location = "completed"
	LocationFailed    Location = "failed"
)

type slot struct {
	engine   string
	snapshot *job.Job
	cancel   context.CancelCauseFunc
}

// Ledger tracks every job the process knows about.
type Ledger struct {
	mu        sync.Mutex
	queue     *queue.Queue
	running   map[string]*slot // by job id
	engines   map[string]string
	completed []*job.Job
	failed    []*job.Job
	terminal  map[string]*job.Job
	wake      chan struct{}

	recorder Recorder
	hub      *events.Hub
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithRecorder persists every terminal job through r.
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// WithEvents publishes queue-side transitions to hub.
func WithEvents(hub *events.Hub) Option {
	return func(l *Ledger) { l.hub = hub }
}

// WithLogger sets the logger used for recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		queue:    queue.New(),
		running:  make(map[string]*slot),
		engines:  make(map[string]string),
		terminal: make(map[string]*job.Job),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.NewComponentLogger(l.logger, "ledger")
	return l
}

// Wake fires after a job is submitted, and after a Take that leaves work
// queued, so idle engines can Take it.
func (l *Ledger) Wake() <-chan struct{} {
	return l.wake
}

func (l *Ledger) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit admits a queued job. The ledger keeps the pointer; callers must not
// mutate j afterwards.
func (l *Ledger) Submit(j *job.Job) error {
	if j == nil {
		return &job.InvalidJobError{Reason: "job is nil"}
	}
	l.mu.Lock()
	if _, ok := l.running[j.ID]; ok {
		l.mu.Unlock()
		return &job.InvalidJobError{JobID: j.ID, Field: "id", Reason: "already running"}
	}
	if _, ok := l.terminal[j.ID]; ok {
		l.mu.Unlock()
		return &job.InvalidJobError{JobID: j.ID, Field: "id", Reason: "already finished"}
	}
	if err := l.queue.Enqueue(j); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.hub.Publish(events.Event{Type: events.JobQueued, JobID: j.ID, State: string(j.State), Message: string(j.Priority)})
	l.signal()
	return nil
}

// Take moves the next queued job into engineID's current slot. The returned
// context is cancelled when the job is cancelled or parent ends; the engine
// owns the returned job exclusively until Finish.
func (l *Ledger) Take(parent context.Context, engineID string) (*job.Job, context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.engines[engineID]; busy {
		return nil, nil, false
	}
	next, ok := l.queue.DequeueNext()
	if !ok {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	l.running[next.ID] = &slot{engine: engineID, snapshot: next.Clone(), cancel: cancel}
	l.engines[engineID] = next.ID
	if l.queue.Len() > 0 {
		l.signal()
	}
	return next, ctx, true
}

// Update replaces the externally visible snapshot of a running job.
func (l *Ledger) Update(engineID string, j *job.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.running[j.ID]
	if !ok || s.engine != engineID {
		return ErrNotOwner
	}
	s.snapshot = j.Clone()
	return nil
}

// Finish moves a terminal job out of engineID's slot into history.
func (l *Ledger) Finish(ctx context.Context, engineID string, j *job.Job) error {
	if !j.State.IsTerminal() {
		return fmt.Errorf("finish job %s: state %s is not terminal", j.ID, j.State)
	}
	final := j.Clone()

	l.mu.Lock()
	s, ok := l.running[j.ID]
	if !ok || s.engine != engineID {
		l.mu.Unlock()
		return ErrNotOwner
	}
	delete(l.running, j.ID)
	delete(l.engines, engineID)
	l.storeTerminalLocked(final)
	l.mu.Unlock()

	s.cancel(nil)
	l.record(ctx, final)
	return nil
}

// Cancel cancels a queued job immediately or asks a running job's engine to
// stop at its next checkpoint. It returns the job's location at the time of
// the request.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (Location, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	l.mu.Lock()
	if queued, ok := l.queue.Remove(id); ok {
		queued.Cancel(reason, l.now().UTC())
		final := queued.Clone()
		l.storeTerminalLocked(final)
		l.mu.Unlock()

		l.hub.Publish(events.Event{Type: events.JobCancelled, JobID: id, State: string(final.State), Message: reason})
		l.record(ctx, final)
		return LocationQueued, nil
	}
	if s, ok := l.running[id]; ok {
		cancel := s.cancel
		engine := s.engine
		l.mu.Unlock()

		cancel(&CancelledError{Reason: reason})
		l.hub.Publish(events.Event{Type: events.CancelRequested, JobID: id, Engine: engine, Message: reason})
		return LocationRunning, nil
	}
	_, finished := l.terminal[id]
	l.mu.Unlock()
	if finished {
		return "", ErrFinished
	}
	return "", ErrNotFound
}

// CancelQueued cancels every queued job with reason, in dequeue order, and
// records each one. Running jobs are left to their engines.
func (l *Ledger) CancelQueued(ctx context.Context, reason string) []*job.Job {
	var cancelled []*job.Job
	l.mu.Lock()
	for {
		queued, ok := l.queue.DequeueNext()
		if !ok {
			break
		}
		queued.Cancel(reason, l.now().UTC())
		final := queued.Clone()
		l.storeTerminalLocked(final)
		cancelled = append(cancelled, final)
	}
	l.mu.Unlock()

	for _, final := range cancelled {
		l.hub.Publish(events.Event{Type: events.JobCancelled, JobID: final.ID, State: string(final.State), Message: reason})
		l.record(ctx, final)
	}
	return cloneAll(cancelled)
}

// Requeue submits a fresh copy of a failed or cancelled job.
func (l *Ledger) Requeue(id string) (*job.Job, error) {
	l.mu.Lock()
	source, ok := l.terminal[id]
	l.mu.Unlock()
	if !ok {
		if _, _, known := l.Get(id); known {
			return nil, ErrNotFailed
		}
		return nil, ErrNotFound
	}
	if source.State == job.StateSucceeded {
		return nil, ErrNotFailed
	}
	fresh := job.Retry(source, l.now())
	if err := l.Submit(fresh); err != nil {
		return nil, err
	}
	return fresh.Clone(), nil
}

// Get returns a copy of the job with id and where it lives.
func (l *Ledger) Get(id string) (*job.Job, Location, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j, ok := l.queue.Get(id); ok {
		return j.Clone(), LocationQueued, true
	}
	if s, ok := l.running[id]; ok {
		return s.snapshot.Clone(), LocationRunning, true
	}
	if j, ok := l.terminal[id]; ok {
		if j.State == job.StateSucceeded {
			return j.Clone(), LocationCompleted, true
		}
		return j.Clone(), LocationFailed, true
	}
	return nil, "", false
}

// Completed returns copies of succeeded jobs in completion order.
func (l *Ledger) Completed() []*job.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAll(l.completed)
}

// Failed returns copies of failed and cancelled jobs in completion order.
func (l *Ledger) Failed() []*job.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAll(l.failed)
}

// Running returns copies of every job currently held by an engine, ordered by engine.
func (l *Ledger) Running() []*job.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	engines := make([]string, 0, len(l.engines))
	for engine := range l.engines {
		engines = append(engines, engine)
	}
	sort.Strings(engines)
	out := make([]*job.Job, 0, len(engines))
	for _, engine := range engines {
		out = append(out, l.running[l.engines[engine]].snapshot.Clone())
	}
	return out
}

// Summary describes how many jobs live in each location.
type Summary struct {
	Queued    int                  `json:"queued"`
	Depths    map[job.Priority]int `json:"depths"`
	Running   int                  `json:"running"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Cancelled int                  `json:"cancelled"`
}

// Summary counts jobs per location.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	summary := Summary{
		Queued:    l.queue.Len(),
		Depths:    l.queue.Depths(),
		Running:   len(l.running),
		Completed: len(l.completed),
	}
	for _, j := range l.failed {
		if j.State == job.StateCancelled {
			summary.Cancelled++
			continue
		}
		summary.Failed++
	}
	return summary
}

// QueuedIDs returns queued job ids in dequeue order.
func (l *Ledger) QueuedIDs() []string {
	return l.queue.Snapshot()
}

func (l *Ledger) storeTerminalLocked(final *job.Job) {
	l.terminal[final.ID] = final
	if final.State == job.StateSucceeded {
		l.completed = append(l.completed, final)
		return
	}
	l.failed = append(l.failed, final)
}

func (l *Ledger) record(ctx context.Context, final *job.Job) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.Record(context.WithoutCancel(ctx), final); err != nil {
		logging.WarnWithContext(l.logger, "history record failed", "history_record_failed",
			logging.String(logging.FieldJobID, final.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the history database under the data directory"),
			logging.String(logging.FieldImpact, "job will be missing from persisted history"),
		)
	}
}

func cloneAll(jobs []*job.Job) []*job.Job {
	out := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out
}
