package events

import (
	"context"
	"log/slog"

	"vectorflow/internal/logging"
)

// LogSink mirrors events into the daemon log at debug level so the log file
// carries the event stream when the API is unreachable.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger; a nil logger discards.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.NewComponentLogger(logger, "events")}
}

// Observe logs evt with its non-empty fields.
func (s *LogSink) Observe(evt Event) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		logging.String(logging.FieldEventType, string(evt.Type)),
		logging.String(logging.FieldJobID, evt.JobID),
		slog.Uint64("seq", evt.Sequence),
	}
	if evt.Engine != "" {
		attrs = append(attrs, logging.String(logging.FieldEngine, evt.Engine))
	}
	if evt.Stage != "" {
		attrs = append(attrs, logging.String(logging.FieldStage, evt.Stage))
	}
	if evt.Attempt > 0 {
		attrs = append(attrs, logging.Int("attempt", evt.Attempt))
	}
	if evt.Backend != "" {
		attrs = append(attrs, logging.String("backend", evt.Backend))
	}
	if evt.Type == StageProgress {
		attrs = append(attrs, logging.Float64("progress", evt.Progress))
	}
	if evt.Message != "" {
		attrs = append(attrs, logging.String("message", evt.Message))
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "job event", attrs...)
}
