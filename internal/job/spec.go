package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultMaxAttempts is the attempt ceiling when a spec leaves it unset.
const DefaultMaxAttempts = 3

var validate = validator.New()

// Spec is the caller-supplied description of a new job.
type Spec struct {
	Kind        Kind     `json:"kind" validate:"required,oneof=ingest vector-compute"`
	Priority    Priority `json:"priority" validate:"omitempty,oneof=urgent high medium low"`
	Text        string   `json:"text" validate:"required,max=16777216"`
	Source      string   `json:"source,omitempty" validate:"max=4096"`
	MaxAttempts int      `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=20"`
	Query       *Query   `json:"query,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// InvalidJobError reports a job that cannot be admitted.
type InvalidJobError struct {
	JobID  string
	Field  string
	Reason string
}

func (e *InvalidJobError) Error() string {
	if e == nil {
		return ""
	}
	subject := "invalid job"
	if e.JobID != "" {
		subject = fmt.Sprintf("invalid job %s", e.JobID)
	}
	switch {
	case e.Field == "":
		return subject + ": " + e.Reason
	case e.Reason == "":
		return subject + ": " + e.Field + " is invalid"
	default:
		return subject + ": " + e.Field + ": " + e.Reason
	}
}

// New validates spec and returns a queued job with a fresh id.
func New(spec Spec, now time.Time) (*Job, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	priority := spec.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j := &Job{
		ID:          uuid.NewString(),
		Kind:        spec.Kind,
		Priority:    priority,
		State:       StateQueued,
		MaxAttempts: maxAttempts,
		Payload: Payload{
			Text:     spec.Text,
			Source:   spec.Source,
			Metadata: spec.Metadata,
		},
		CreatedAt: now.UTC(),
	}
	j.Payload.Metadata.Tags = append([]string(nil), spec.Metadata.Tags...)
	if j.Payload.Metadata.Size == 0 {
		j.Payload.Metadata.Size = int64(len(spec.Text))
	}
	if spec.Query != nil {
		q := *spec.Query
		j.Payload.Query = &q
	}
	return j, nil
}

// Retry builds a fresh queued job that re-runs source from the beginning.
func Retry(source *Job, now time.Time) *Job {
	fresh := source.Clone()
	fresh.ID = uuid.NewString()
	fresh.State = StateQueued
	fresh.Progress = 0
	fresh.Stage = ""
	fresh.Attempt = 0
	fresh.StageResults = nil
	fresh.Error = nil
	fresh.Transport = ""
	fresh.FallbackEngaged = false
	fresh.RetryOf = source.ID
	fresh.CreatedAt = now.UTC()
	fresh.StartedAt = nil
	fresh.CompletedAt = nil
	return fresh
}

func validateSpec(spec Spec) error {
	if err := validate.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &InvalidJobError{Field: jsonFieldName(fe.Field()), Reason: reasonFor(fe)}
		}
		return &InvalidJobError{Reason: err.Error()}
	}
	if spec.Query != nil {
		if err := validate.Var(spec.Query.Limit, "omitempty,min=1,max=1000"); err != nil {
			return &InvalidJobError{Field: "query.limit", Reason: "must be between 1 and 1000"}
		}
		if err := validate.Var(spec.Query.Threshold, "min=0,max=1"); err != nil {
			return &InvalidJobError{Field: "query.threshold", Reason: "must be between 0 and 1"}
		}
	}
	if err := validate.Var(spec.Metadata.ConfidenceThreshold, "min=0,max=1"); err != nil {
		return &InvalidJobError{Field: "metadata.confidence_threshold", Reason: "must be between 0 and 1"}
	}
	if err := validate.Var(spec.Metadata.Tags, "max=32,dive,required,max=64"); err != nil {
		return &InvalidJobError{Field: "metadata.tags", Reason: "at most 32 non-empty tags of up to 64 characters"}
	}
	if spec.Metadata.Size < 0 {
		return &InvalidJobError{Field: "metadata.size", Reason: "must be >= 0"}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ",")
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func jsonFieldName(field string) string {
	switch field {
	case "MaxAttempts":
		return "max_attempts"
	default:
		return strings.ToLower(field)
	}
}
