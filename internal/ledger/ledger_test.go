package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vectorflow/internal/events"
	"vectorflow/internal/job"
)

type memoryRecorder struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (r *memoryRecorder) Record(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func newJob(t *testing.T, priority job.Priority) *job.Job {
	t.Helper()
	j, err := job.New(job.Spec{Kind: job.KindIngest, Priority: priority, Text: "doc"}, time.Now())
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

// locations counts how many places hold id; it must always be exactly one.
func locations(l *Ledger, id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	if _, ok := l.queue.Get(id); ok {
		n++
	}
	if _, ok := l.running[id]; ok {
		n++
	}
	for _, j := range l.completed {
		if j.ID == id {
			n++
		}
	}
	for _, j := range l.failed {
		if j.ID == id {
			n++
		}
	}
	return n
}

func TestJobLivesInExactlyOnePlace(t *testing.T) {
	rec := &memoryRecorder{}
	l := New(WithRecorder(rec))
	j := newJob(t, job.PriorityHigh)
	if err := l.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := locations(l, j.ID); n != 1 {
		t.Fatalf("queued job found in %d places", n)
	}

	taken, ctx, ok := l.Take(context.Background(), "engine-0")
	if !ok || taken.ID != j.ID || ctx == nil {
		t.Fatalf("Take = %v %v", taken, ok)
	}
	if n := locations(l, j.ID); n != 1 {
		t.Fatalf("running job found in %d places", n)
	}
	if _, loc, _ := l.Get(j.ID); loc != LocationRunning {
		t.Fatalf("location = %s", loc)
	}

	taken.Begin(time.Now())
	taken.SetProgress(50)
	if err := l.Update("engine-0", taken); err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap, _, _ := l.Get(j.ID)
	if snap.Progress != 50 {
		t.Fatalf("snapshot progress = %v", snap.Progress)
	}
	taken.SetProgress(70)
	if snap.Progress != 50 {
		t.Fatal("snapshot must be isolated from the engine's copy")
	}

	taken.Succeed(time.Now())
	if err := l.Finish(context.Background(), "engine-0", taken); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if n := locations(l, j.ID); n != 1 {
		t.Fatalf("completed job found in %d places", n)
	}
	if ctx.Err() == nil {
		t.Fatal("job context should be released on finish")
	}
	if len(l.Completed()) != 1 || len(rec.jobs) != 1 {
		t.Fatalf("completed=%d recorded=%d", len(l.Completed()), len(rec.jobs))
	}

	taken.State = job.StateFailed
	if l.Completed()[0].State != job.StateSucceeded {
		t.Fatal("history must hold an immutable copy")
	}
}

func TestTakeIsExclusivePerEngineAndJob(t *testing.T) {
	l := New()
	for i := 0; i < 2; i++ {
		if err := l.Submit(newJob(t, job.PriorityMedium)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, _, ok := l.Take(context.Background(), "a"); !ok {
		t.Fatal("first take should succeed")
	}
	if _, _, ok := l.Take(context.Background(), "a"); ok {
		t.Fatal("engine already holding a job must not take another")
	}
	if _, _, ok := l.Take(context.Background(), "b"); !ok {
		t.Fatal("second engine should take the remaining job")
	}
	if _, _, ok := l.Take(context.Background(), "c"); ok {
		t.Fatal("queue should be empty")
	}
	if got := l.Summary().Running; got != 2 {
		t.Fatalf("running = %d", got)
	}
}

func TestFinishRejectsForeignEngineAndNonTerminalState(t *testing.T) {
	l := New()
	j := newJob(t, job.PriorityLow)
	if err := l.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	taken, _, _ := l.Take(context.Background(), "a")
	if err := l.Finish(context.Background(), "a", taken); err == nil {
		t.Fatal("expected error for non-terminal state")
	}
	taken.Fail(job.Failure{Kind: job.FailureFatal, Message: "x"}, time.Now())
	if err := l.Finish(context.Background(), "b", taken); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := l.Update("b", taken); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner from Update, got %v", err)
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	hub := events.NewHub(16)
	rec := &memoryRecorder{}
	l := New(WithEvents(hub), WithRecorder(rec))
	queued := newJob(t, job.PriorityLow)
	running := newJob(t, job.PriorityUrgent)
	for _, j := range []*job.Job{queued, running} {
		if err := l.Submit(j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	taken, ctx, _ := l.Take(context.Background(), "a")
	if taken.ID != running.ID {
		t.Fatal("urgent job should be taken first")
	}

	loc, err := l.Cancel(context.Background(), queued.ID, "user request")
	if err != nil || loc != LocationQueued {
		t.Fatalf("Cancel queued = %s %v", loc, err)
	}
	got, where, _ := l.Get(queued.ID)
	if where != LocationFailed || got.State != job.StateCancelled || got.Error.Message != "user request" {
		t.Fatalf("cancelled queued job = %s %+v", where, got)
	}
	if len(rec.jobs) != 1 {
		t.Fatal("cancelled queued job should be recorded")
	}

	loc, err = l.Cancel(context.Background(), running.ID, "stop")
	if err != nil || loc != LocationRunning {
		t.Fatalf("Cancel running = %s %v", loc, err)
	}
	var cancelled *CancelledError
	if ctx.Err() == nil || !errors.As(context.Cause(ctx), &cancelled) || cancelled.Reason != "stop" {
		t.Fatalf("running job context cause = %v", context.Cause(ctx))
	}

	if _, err := l.Cancel(context.Background(), queued.ID, ""); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
	if _, err := l.Cancel(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	evts, _, _ := hub.Fetch(context.Background(), 0, 0, false)
	var types []events.Type
	for _, evt := range evts {
		types = append(types, evt.Type)
	}
	want := []events.Type{events.JobQueued, events.JobQueued, events.JobCancelled, events.CancelRequested}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v want %v", types, want)
		}
	}
	if s := l.Summary(); s.Cancelled != 1 || s.Failed != 0 || s.Running != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestCancelQueuedRecordsEveryWaitingJob(t *testing.T) {
	rec := &memoryRecorder{}
	l := New(WithRecorder(rec))
	running := newJob(t, job.PriorityNormal)
	low := newJob(t, job.PriorityLow)
	high := newJob(t, job.PriorityHigh)
	for _, j := range []*job.Job{running, low, high} {
		if err := l.Submit(j); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, _, ok := l.Take(context.Background(), "engine-0"); !ok {
		t.Fatal("Take found nothing")
	}
	// running was submitted first but the high tier is served first.
	held := l.Running()[0].ID

	cancelled := l.CancelQueued(context.Background(), "interrupted by shutdown")
	if len(cancelled) != 2 {
		t.Fatalf("cancelled %d jobs, want 2", len(cancelled))
	}
	for _, j := range cancelled {
		if j.State != job.StateCancelled || j.Error == nil || j.Error.Message != "interrupted by shutdown" {
			t.Fatalf("job %s = %s %+v", j.ID, j.State, j.Error)
		}
		if n := locations(l, j.ID); n != 1 {
			t.Fatalf("cancelled job found in %d places", n)
		}
		if _, loc, _ := l.Get(j.ID); loc != LocationFailed {
			t.Fatalf("location = %s", loc)
		}
	}
	if _, loc, _ := l.Get(held); loc != LocationRunning {
		t.Fatalf("running job moved to %s", loc)
	}
	if len(rec.jobs) != 2 {
		t.Fatalf("recorded %d jobs, want 2", len(rec.jobs))
	}
	if s := l.Summary(); s.Queued != 0 || s.Cancelled != 2 || s.Running != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if again := l.CancelQueued(context.Background(), "again"); len(again) != 0 {
		t.Fatalf("second call cancelled %d jobs", len(again))
	}
}

func TestRequeueFailedJob(t *testing.T) {
	l := New()
	j := newJob(t, job.PriorityHigh)
	if err := l.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := l.Requeue(j.ID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("queued job requeue: %v", err)
	}
	taken, _, _ := l.Take(context.Background(), "a")
	taken.Begin(time.Now())
	taken.Fail(job.Failure{Kind: job.FailureFatal, Message: "bad input"}, time.Now())
	if err := l.Finish(context.Background(), "a", taken); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	fresh, err := l.Requeue(j.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if fresh.RetryOf != j.ID || fresh.State != job.StateQueued || fresh.Attempt != 0 {
		t.Fatalf("unexpected requeued job %+v", fresh)
	}
	if ids := l.QueuedIDs(); len(ids) != 1 || ids[0] != fresh.ID {
		t.Fatalf("queued ids = %v", ids)
	}
	select {
	case <-l.Wake():
	default:
		t.Fatal("requeue should signal waiting engines")
	}
	if _, err := l.Requeue("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitRejectsKnownIDs(t *testing.T) {
	l := New()
	j := newJob(t, job.PriorityHigh)
	if err := l.Submit(j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	taken, _, _ := l.Take(context.Background(), "a")
	dup := taken.Clone()
	dup.State = job.StateQueued
	var invalid *job.InvalidJobError
	if err := l.Submit(dup); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidJobError for running id, got %v", err)
	}
}
