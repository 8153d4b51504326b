package compute

import (
	"context"
	"errors"
	"log/slog"

	"vectorflow/internal/logging"
	"vectorflow/internal/services"
)

// Embedding is one vector produced by a backend. Confidence is 1 when the
// backend does not report one.
type Embedding struct {
	Vector     []float32
	Confidence float64
}

// Backend computes embeddings.
type Backend interface {
	Name() string
	Embed(ctx context.Context, prompt string) (Embedding, error)
}

// Result is an embedding plus the backend that produced it.
type Result struct {
	Embedding
	Backend  string
	Fallback bool
}

// Selector routes compute calls to the primary backend until a job's pin is
// engaged, then to the fallback.
type Selector struct {
	primary  Backend
	fallback Backend
	logger   *slog.Logger
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithLogger sets the logger used to report fallback engagement.
func WithLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSelector builds a selector. Either backend may be nil, not both.
func NewSelector(primary, fallback Backend, opts ...SelectorOption) *Selector {
	s := &Selector{primary: primary, fallback: fallback, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compute embeds prompt. While pin is disengaged the primary is tried first;
// a failure ShouldEngage accepts flips the pin and the call is served by the
// fallback. Fallback failures are returned unchanged.
func (s *Selector) Compute(ctx context.Context, pin *Pin, prompt string) (Result, error) {
	if s.primary == nil && s.fallback == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "compute", "select", "no backend configured", nil)
	}
	if pin.Engaged() || s.primary == nil {
		return s.viaFallback(ctx, prompt)
	}

	emb, err := s.primary.Embed(ctx, prompt)
	if err == nil {
		return Result{Embedding: emb, Backend: s.primary.Name()}, nil
	}
	if !ShouldEngage(err) || s.fallback == nil {
		return Result{}, err
	}
	if pin.Engage() {
		logging.WarnWithContext(s.logger, "compute fallback engaged", "compute_fallback",
			logging.String("primary", s.primary.Name()),
			logging.String("fallback", s.fallback.Name()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the primary compute service"),
			logging.String(logging.FieldImpact, "remaining compute for this job runs on the fallback backend"),
		)
	}
	return s.viaFallback(ctx, prompt)
}

func (s *Selector) viaFallback(ctx context.Context, prompt string) (Result, error) {
	if s.fallback == nil {
		return Result{}, services.Wrap(services.ErrUnavailable, "compute", "select", "fallback backend not configured", nil)
	}
	emb, err := s.fallback.Embed(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return Result{Embedding: emb, Backend: s.fallback.Name(), Fallback: true}, nil
}

// Route names the backend Compute would try first for pin, or "" when none
// is configured.
func (s *Selector) Route(pin *Pin) string {
	switch {
	case s.primary != nil && !pin.Engaged():
		return s.primary.Name()
	case s.fallback != nil:
		return s.fallback.Name()
	default:
		return ""
	}
}

// Backends returns the configured backends, primary first.
func (s *Selector) Backends() []Backend {
	out := make([]Backend, 0, 2)
	if s.primary != nil {
		out = append(out, s.primary)
	}
	if s.fallback != nil {
		out = append(out, s.fallback)
	}
	return out
}

// ShouldEngage reports whether a primary failure warrants switching to the
// fallback. Rejected input and cancellation never do.
func ShouldEngage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !services.IsPermanent(err)
}
