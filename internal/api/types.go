package api

import (
	"vectorflow/internal/events"
	"vectorflow/internal/job"
	"vectorflow/internal/ledger"
	"vectorflow/internal/metrics"
	"vectorflow/internal/pipeline"
)

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest = job.Spec

// CancelRequest is the optional body of DELETE /api/jobs/{id}.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// JobResponse wraps a single job and where the daemon found it.
type JobResponse struct {
	Job      *job.Job `json:"job"`
	Location string   `json:"location"`
}

// CancelResponse reports where a cancelled job was when the request landed.
type CancelResponse struct {
	JobID    string `json:"job_id"`
	Location string `json:"location"`
}

// JobListResponse lists recorded jobs.
type JobListResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// StatusResponse summarizes daemon state.
type StatusResponse struct {
	Running     bool              `json:"running"`
	PID         int               `json:"pid"`
	LockPath    string            `json:"lock_path"`
	HistoryPath string            `json:"history_path,omitempty"`
	Queue       ledger.Summary    `json:"queue"`
	QueuedIDs   []string          `json:"queued_ids,omitempty"`
	Engines     []pipeline.Status `json:"engines"`
	Metrics     metrics.Snapshot  `json:"metrics"`
	History     map[job.State]int `json:"history,omitempty"`
	StageHealth []StageHealth     `json:"stage_health,omitempty"`
	// LastEvent is the newest event sequence; pass it as since to follow.
	LastEvent uint64 `json:"last_event"`
}

// EventsResponse carries events newer than the requested cursor.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
