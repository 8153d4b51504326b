package job

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewAppliesDefaults(t *testing.T) {
	j, err := New(Spec{Kind: KindIngest, Text: "hello world"}, testNow)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected generated id")
	}
	if j.State != StateQueued || j.Priority != PriorityMedium {
		t.Fatalf("unexpected state/priority %s/%s", j.State, j.Priority)
	}
	if j.Attempt != 0 || j.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("unexpected attempts %d/%d", j.Attempt, j.MaxAttempts)
	}
	if j.Payload.Metadata.Size != int64(len("hello world")) {
		t.Fatalf("expected size derived from text, got %d", j.Payload.Metadata.Size)
	}
	if !j.CreatedAt.Equal(testNow) || j.StartedAt != nil || j.CompletedAt != nil {
		t.Fatalf("unexpected timestamps %+v", j)
	}
}

func TestNewRejectsInvalidSpecs(t *testing.T) {
	cases := map[string]struct {
		spec  Spec
		field string
	}{
		"missing kind":    {Spec{Text: "x"}, "kind"},
		"unknown kind":    {Spec{Kind: "transcode", Text: "x"}, "kind"},
		"unknown tier":    {Spec{Kind: KindIngest, Priority: "critical", Text: "x"}, "priority"},
		"empty text":      {Spec{Kind: KindIngest}, "text"},
		"attempt ceiling": {Spec{Kind: KindIngest, Text: "x", MaxAttempts: 50}, "max_attempts"},
		"query limit":     {Spec{Kind: KindVectorCompute, Text: "x", Query: &Query{Limit: 5000}}, "query.limit"},
		"confidence":      {Spec{Kind: KindIngest, Text: "x", Metadata: Metadata{ConfidenceThreshold: 1.5}}, "metadata.confidence_threshold"},
		"blank tag":       {Spec{Kind: KindIngest, Text: "x", Metadata: Metadata{Tags: []string{""}}}, "metadata.tags"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.spec, testNow)
			var invalid *InvalidJobError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidJobError, got %v", err)
			}
			if invalid.Field != tc.field {
				t.Fatalf("field = %q want %q (%v)", invalid.Field, tc.field, err)
			}
		})
	}
}

func TestPriorityRankOrdersTiers(t *testing.T) {
	for i, p := range Priorities {
		if p.Rank() != i {
			t.Fatalf("%s rank = %d want %d", p, p.Rank(), i)
		}
	}
	if Priority("bogus").Rank() != -1 {
		t.Fatal("unknown priority should rank -1")
	}
	if p, ok := ParsePriority(" HIGH "); !ok || p != PriorityHigh {
		t.Fatalf("ParsePriority = %q %v", p, ok)
	}
}

func TestLifecycleHelpers(t *testing.T) {
	j, err := New(Spec{Kind: KindIngest, Text: "doc"}, testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Begin(testNow)
	started := *j.StartedAt
	j.Begin(testNow.Add(time.Minute))
	if j.Attempt != 1 || !j.StartedAt.Equal(started) {
		t.Fatalf("Begin must set attempt and start once: %d %v", j.Attempt, j.StartedAt)
	}

	j.SetProgress(40)
	j.SetProgress(20)
	j.SetProgress(140)
	if j.Progress != 100 {
		t.Fatalf("progress = %v, want clamped monotonic 100", j.Progress)
	}

	j.MarkRetrying(Failure{Kind: FailureRecoverable, Stage: "embed", Message: "timeout"})
	if j.State != StateRetrying || j.Error == nil {
		t.Fatalf("expected retrying with error, got %s %v", j.State, j.Error)
	}
	j.StartAttempt("embed")
	if j.State != StateRunning || j.Stage != "embed" || j.Error != nil {
		t.Fatalf("next attempt must run without the stale error: %s %s %v", j.State, j.Stage, j.Error)
	}
	j.MarkRetrying(Failure{Kind: FailureRecoverable, Stage: "embed", Message: "timeout"})
	j.AppendResult(StageResult{Stage: "embed"})
	if j.Error != nil {
		t.Fatal("successful stage should clear error")
	}

	j.Succeed(testNow.Add(time.Hour))
	done := *j.CompletedAt
	j.Fail(Failure{Kind: FailureFatal, Message: "late"}, testNow.Add(2*time.Hour))
	if !j.CompletedAt.Equal(done) {
		t.Fatal("CompletedAt must be set exactly once")
	}
}

func TestSetProgressRoundsToWholePercent(t *testing.T) {
	j := &Job{}
	j.SetProgress(33.4)
	if j.Progress != 33 {
		t.Fatalf("progress = %d, want 33", j.Progress)
	}
	j.SetProgress(66.6)
	if j.Progress != 67 {
		t.Fatalf("progress = %d, want 67", j.Progress)
	}
	j.SetProgress(66.9)
	if j.Progress != 67 {
		t.Fatalf("progress = %d, want 67 held", j.Progress)
	}
	j.SetProgress(-5)
	if j.Progress != 67 {
		t.Fatalf("progress = %d, must not decrease", j.Progress)
	}
}

func TestCloneIsDeep(t *testing.T) {
	j, err := New(Spec{
		Kind:     KindVectorCompute,
		Text:     "query",
		Query:    &Query{Limit: 3},
		Metadata: Metadata{Tags: []string{"a"}},
	}, testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Begin(testNow)
	j.AppendResult(StageResult{Stage: "embed", Data: json.RawMessage(`[1]`)})

	cp := j.Clone()
	cp.Payload.Metadata.Tags[0] = "b"
	cp.Payload.Query.Limit = 9
	cp.StageResults[0].Data[1] = '2'
	*cp.StartedAt = testNow.Add(time.Hour)

	if j.Payload.Metadata.Tags[0] != "a" || j.Payload.Query.Limit != 3 {
		t.Fatal("clone shares payload memory")
	}
	if string(j.StageResults[0].Data) != "[1]" {
		t.Fatal("clone shares stage result data")
	}
	if !j.StartedAt.Equal(testNow) {
		t.Fatal("clone shares timestamps")
	}
}

func TestRetryBuildsFreshJob(t *testing.T) {
	j, err := New(Spec{Kind: KindIngest, Priority: PriorityHigh, Text: "doc"}, testNow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Begin(testNow)
	j.Fail(Failure{Kind: FailureFatal, Message: "boom"}, testNow)

	r := Retry(j, testNow.Add(time.Minute))
	if r.ID == j.ID || r.RetryOf != j.ID {
		t.Fatalf("retry ids: %s retry_of=%s source=%s", r.ID, r.RetryOf, j.ID)
	}
	if r.State != StateQueued || r.Attempt != 0 || r.Error != nil || r.StartedAt != nil || r.CompletedAt != nil {
		t.Fatalf("retry not reset: %+v", r)
	}
	if r.Priority != PriorityHigh || r.Payload.Text != "doc" {
		t.Fatal("retry must keep priority and payload")
	}
	if j.State != StateFailed {
		t.Fatal("source job must not be mutated")
	}
}

func TestInvalidJobErrorMessage(t *testing.T) {
	err := &InvalidJobError{JobID: "abc", Field: "priority", Reason: "unknown"}
	if !strings.Contains(err.Error(), "abc") || !strings.Contains(err.Error(), "priority") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
