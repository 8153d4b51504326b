package stage_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"vectorflow/internal/job"
	"vectorflow/internal/services"
	"vectorflow/internal/stage"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, false},
		{"server error", &services.StatusError{StatusCode: 503}, false},
		{"too many requests", &services.StatusError{StatusCode: 429}, false},
		{"bad request", &services.StatusError{StatusCode: 400}, true},
		{"validation marker", services.Wrap(services.ErrValidation, "chunk", "", "empty", nil), true},
		{"invalid job", &job.InvalidJobError{Field: "text", Reason: "required"}, true},
		{"unknown", errors.New("something odd"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := stage.Classify("embed", tc.err)
			if stage.IsFatal(classified) != tc.fatal {
				t.Fatalf("Classify(%v) fatal=%v want %v", tc.err, stage.IsFatal(classified), tc.fatal)
			}
			if !errors.Is(classified, tc.err) {
				t.Fatalf("classified error lost its cause: %v", classified)
			}
		})
	}
}

func TestClassifyKeepsTypedErrors(t *testing.T) {
	fatal := stage.Fatal("persist", errors.New("schema mismatch"))
	if got := stage.Classify("embed", fmt.Errorf("wrapped: %w", fatal)); !stage.IsFatal(got) {
		t.Fatalf("expected fatal to pass through, got %v", got)
	}
	recoverable := stage.Recoverable("persist", &services.StatusError{StatusCode: 400})
	var target *stage.RecoverableError
	if !errors.As(stage.Classify("embed", recoverable), &target) || target.Stage != "persist" {
		t.Fatalf("explicit recoverable should win, got %v", target)
	}
	if stage.Classify("embed", nil) != nil {
		t.Fatal("nil should classify to nil")
	}
}

func TestInputDecodeAndReport(t *testing.T) {
	in := stage.Input{
		Results: []job.StageResult{{Stage: "chunk", Data: []byte(`{"chunks":["a","b"]}`)}},
	}
	var payload struct {
		Chunks []string `json:"chunks"`
	}
	if err := in.Decode("chunk", "embed", &payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(payload.Chunks) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if err := in.Decode("embed", "persist", &payload); !stage.IsFatal(err) {
		t.Fatalf("missing result should be fatal, got %v", err)
	}

	in.Report(50, "ignored without callback")
	var got []float64
	in.Progress = func(percent float64, _ string) { got = append(got, percent) }
	in.Report(-5, "")
	in.Report(140, "")
	if len(got) != 2 || got[0] != 0 || got[1] != 100 {
		t.Fatalf("expected clamped progress, got %v", got)
	}
}
