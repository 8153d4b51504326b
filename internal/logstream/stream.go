package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vectorflow/internal/api"
	"vectorflow/internal/events"
	"vectorflow/internal/logging"
	"vectorflow/internal/logs"
	"vectorflow/internal/services"
)

const (
	backlogLimit = 10000
	followLimit  = 500
	tailWait     = time.Second
)

// ErrNoSource is returned when the API is down and no log file was given.
var ErrNoSource = errors.New("daemon API unreachable and no log file to tail")

// EventSource is the event half of the API client.
type EventSource interface {
	Events(ctx context.Context, since uint64, limit int, wait bool) (api.EventsResponse, error)
}

// Options controls stream behavior.
type Options struct {
	// Lines bounds the backlog printed before following; zero prints all.
	Lines  int
	Follow bool
	// JobID keeps only events, or log lines, about one job.
	JobID string
	// LogPath is tailed when the API cannot be reached.
	LogPath string
}

// Stream emits daemon events from the API, falling back to tailing the log
// file when the daemon is unreachable. It returns true when anything was
// emitted. Following ends without error when ctx is cancelled.
func Stream(
	ctx context.Context,
	source EventSource,
	opts Options,
	onEvent func(events.Event),
	onLine func(string),
) (bool, error) {
	if source != nil {
		printed, err := streamAPI(ctx, source, opts, onEvent)
		if err == nil || !unreachable(err) {
			return printed, err
		}
	}
	if strings.TrimSpace(opts.LogPath) == "" {
		return false, ErrNoSource
	}
	return streamFile(ctx, opts, onLine)
}

func streamAPI(ctx context.Context, source EventSource, opts Options, onEvent func(events.Event)) (bool, error) {
	resp, err := source.Events(ctx, 0, backlogLimit, false)
	if err != nil {
		return false, err
	}
	backlog := filter(resp.Events, opts.JobID)
	if opts.Lines > 0 && len(backlog) > opts.Lines {
		backlog = backlog[len(backlog)-opts.Lines:]
	}
	printed := emit(backlog, onEvent)
	if !opts.Follow {
		return printed, nil
	}

	since := resp.Next
	for {
		resp, err := source.Events(ctx, since, followLimit, true)
		if err != nil {
			if ctx.Err() != nil {
				return printed, nil
			}
			return printed, err
		}
		if emit(filter(resp.Events, opts.JobID), onEvent) {
			printed = true
		}
		if resp.Next > since {
			since = resp.Next
		}
	}
}

func streamFile(ctx context.Context, opts Options, onLine func(string)) (bool, error) {
	lines := opts.Lines
	if lines <= 0 {
		lines = backlogLimit
	}
	query := logs.TailOptions{Offset: -1, Limit: lines}
	printed := false
	for {
		result, err := logs.Tail(ctx, opts.LogPath, query)
		if err != nil {
			if ctx.Err() != nil {
				return printed, nil
			}
			return printed, fmt.Errorf("tail %s: %w", opts.LogPath, err)
		}
		for _, line := range result.Lines {
			if opts.JobID != "" && lineJobID(line) != opts.JobID {
				continue
			}
			if onLine != nil {
				onLine(line)
			}
			printed = true
		}
		if !opts.Follow || ctx.Err() != nil {
			return printed, nil
		}
		query = logs.TailOptions{Offset: result.Offset, Follow: true, Wait: tailWait}
	}
}

// lineJobID returns the job_id field of a JSON log line, or "" when the line
// is not JSON or carries no job.
func lineJobID(line string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return ""
	}
	var id string
	if err := json.Unmarshal(fields[logging.FieldJobID], &id); err != nil {
		return ""
	}
	return id
}

func filter(evts []events.Event, jobID string) []events.Event {
	if jobID == "" {
		return evts
	}
	out := evts[:0:0]
	for _, evt := range evts {
		if evt.JobID == jobID {
			out = append(out, evt)
		}
	}
	return out
}

func emit(evts []events.Event, onEvent func(events.Event)) bool {
	for _, evt := range evts {
		if onEvent != nil {
			onEvent(evt)
		}
	}
	return len(evts) > 0
}

func unreachable(err error) bool {
	var status *services.StatusError
	return errors.Is(err, services.ErrUnavailable) && !errors.As(err, &status)
}
