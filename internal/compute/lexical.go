package compute

import (
	"context"
	"strings"
	"time"

	"vectorflow/internal/services"
	"vectorflow/internal/textutil"
)

// LexicalEndpoint selects the in-process hashed term backend in place of a URL.
const LexicalEndpoint = "lexical"

// lexicalConfidence is reported for every lexical embedding.
const lexicalConfidence = 0.5

// LexicalBackend embeds text as a hashed bag of words. It needs no model
// server and is meant as an offline fallback.
type LexicalBackend struct {
	name string
	dims int
}

// NewLexicalBackend returns a backend producing vectors of dims components.
func NewLexicalBackend(name string, dims int) *LexicalBackend {
	return &LexicalBackend{name: strings.TrimSpace(name), dims: dims}
}

// Name identifies the backend in results and logs.
func (b *LexicalBackend) Name() string { return b.name }

// Embed hashes the tokens of prompt into a normalized vector.
func (b *LexicalBackend) Embed(ctx context.Context, prompt string) (Embedding, error) {
	if err := ctx.Err(); err != nil {
		return Embedding{}, err
	}
	if b.dims <= 0 {
		return Embedding{}, services.Wrap(services.ErrConfiguration, b.name, "embed", "dimensions must be positive", nil)
	}
	vector := textutil.HashVector(prompt, b.dims)
	if vector == nil {
		return Embedding{}, services.Wrap(services.ErrValidation, b.name, "embed", "prompt has no indexable terms", nil)
	}
	return Embedding{Vector: vector, Confidence: lexicalConfidence}, nil
}

// Ping always succeeds.
func (b *LexicalBackend) Ping(context.Context) error { return nil }

// PingableBackend is a Backend that can also report its reachability.
type PingableBackend interface {
	Backend
	Ping(ctx context.Context) error
}

// FromEndpoint builds the backend named by endpoint: the lexical backend when
// endpoint is LexicalEndpoint, otherwise an HTTP backend. It returns nil for a
// blank endpoint.
func FromEndpoint(name, endpoint, model string, dims int, timeout time.Duration) PingableBackend {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case endpoint == "":
		return nil
	case strings.EqualFold(endpoint, LexicalEndpoint):
		return NewLexicalBackend(name, dims)
	default:
		return NewHTTPBackend(name, endpoint, model, WithTimeout(timeout))
	}
}
