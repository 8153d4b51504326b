package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vectorflow/internal/job"
	"vectorflow/internal/logging"
)

// Backend names the channel that accepted a publish.
type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
)

// Broker is the durable primary channel.
type Broker interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// FallbackStore is the secondary channel used while the broker is down.
type FallbackStore interface {
	Append(ctx context.Context, listKey string, message []byte) error
}

// Drainer is a FallbackStore whose parked messages can be forwarded.
// Drain pops up to max messages and hands each to fn; a message fn rejects
// is returned to the head of the list and draining stops.
type Drainer interface {
	FallbackStore
	Drain(ctx context.Context, listKey string, max int, fn func(context.Context, []byte) error) (int, error)
}

// Result reports which channel accepted a publish.
type Result struct {
	Backend    Backend
	PrimaryErr error
}

// TransportExhaustedError reports that neither channel accepted a job.
type TransportExhaustedError struct {
	JobID       string
	PrimaryErr  error
	FallbackErr error
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("transport exhausted for job %s: primary: %v; fallback: %v", e.JobID, e.PrimaryErr, e.FallbackErr)
}

func (e *TransportExhaustedError) Unwrap() []error {
	return []error{e.PrimaryErr, e.FallbackErr}
}

// Dual publishes through a broker with a fallback store behind it.
type Dual struct {
	broker      Broker
	fallback    FallbackStore
	topic       string
	fallbackKey string
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option customizes Dual.
type Option func(*Dual)

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dual) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTimeout bounds each channel attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dual) {
		d.timeout = timeout
	}
}

// WithClock overrides the publish timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dual) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDual builds a dual transport. Either channel may be nil; a nil channel
// always rejects.
func NewDual(broker Broker, fallback FallbackStore, topic, fallbackKey string, opts ...Option) *Dual {
	d := &Dual{
		broker:      broker,
		fallback:    fallback,
		topic:       topic,
		fallbackKey: fallbackKey,
		logger:      logging.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var (
	errNoBroker   = errors.New("broker not configured")
	errNoFallback = errors.New("fallback store not configured")
)

// Publish sends j through the broker, falling back to the fallback store.
func (d *Dual) Publish(ctx context.Context, j *job.Job) (Result, error) {
	message, err := NewEnvelope(j, d.now()).Encode()
	if err != nil {
		encodeErr := fmt.Errorf("encode envelope: %w", err)
		return Result{}, &TransportExhaustedError{JobID: j.ID, PrimaryErr: encodeErr, FallbackErr: encodeErr}
	}

	primaryErr := d.attempt(ctx, func(ctx context.Context) error {
		if d.broker == nil {
			return errNoBroker
		}
		return d.broker.Publish(ctx, d.topic, message)
	})
	if primaryErr == nil {
		return Result{Backend: BackendPrimary}, nil
	}
	if ctx.Err() != nil {
		return Result{}, &TransportExhaustedError{JobID: j.ID, PrimaryErr: primaryErr, FallbackErr: context.Cause(ctx)}
	}

	fallbackErr := d.attempt(ctx, func(ctx context.Context) error {
		if d.fallback == nil {
			return errNoFallback
		}
		return d.fallback.Append(ctx, d.fallbackKey, message)
	})
	if fallbackErr != nil {
		return Result{}, &TransportExhaustedError{JobID: j.ID, PrimaryErr: primaryErr, FallbackErr: fallbackErr}
	}
	if !errors.Is(primaryErr, errNoBroker) {
		logging.WarnWithContext(d.logger, "broker publish failed; job parked on fallback list", "transport_fallback",
			logging.String(logging.FieldJobID, j.ID),
			logging.String("list", d.fallbackKey),
			logging.Error(primaryErr),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
			logging.String(logging.FieldImpact, "delivery deferred until the fallback list is drained"),
		)
	}
	return Result{Backend: BackendFallback, PrimaryErr: primaryErr}, nil
}

// Drain forwards up to max parked envelopes from the fallback list to the
// broker. It returns the number forwarded.
func (d *Dual) Drain(ctx context.Context, max int) (int, error) {
	drainer, ok := d.fallback.(Drainer)
	if !ok || d.broker == nil {
		return 0, nil
	}
	return drainer.Drain(ctx, d.fallbackKey, max, func(ctx context.Context, message []byte) error {
		return d.attempt(ctx, func(ctx context.Context) error {
			return d.broker.Publish(ctx, d.topic, message)
		})
	})
}

func (d *Dual) attempt(ctx context.Context, fn func(context.Context) error) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return fn(ctx)
}
