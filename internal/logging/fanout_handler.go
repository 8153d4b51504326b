package logging

import (
	"context"
	"errors"
	"log/slog"
)

// fanoutHandler writes each record to every sink whose level admits it. The
// daemon uses it to pair the console sink with the JSON log file that
// `vectorflow logs` tails.
type fanoutHandler []slog.Handler

func newFanoutHandler(sinks ...slog.Handler) slog.Handler {
	var kept fanoutHandler
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	switch len(kept) {
	case 0:
		return NoopHandler{}
	case 1:
		return kept[0]
	}
	return kept
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range f {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle gives each sink its own clone so one sink's attrs never leak into
// another. Sink failures are joined.
func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, sink := range f {
		if !sink.Enabled(ctx, record.Level) {
			continue
		}
		if err := sink.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanoutHandler) each(derive func(slog.Handler) slog.Handler) fanoutHandler {
	out := make(fanoutHandler, len(f))
	for i, sink := range f {
		out[i] = derive(sink)
	}
	return out
}
