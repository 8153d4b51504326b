package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vectorflow/internal/services"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPBackend calls an Ollama-compatible embeddings endpoint.
type HTTPBackend struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// HTTPOption customizes an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(b *HTTPBackend) {
		if timeout > 0 {
			b.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// NewHTTPBackend constructs a backend named name (e.g. "primary") talking to baseURL.
func NewHTTPBackend(name, baseURL, model string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		name:       strings.TrimSpace(name),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name identifies the backend in results and logs.
func (b *HTTPBackend) Name() string { return b.name }

// URL returns the backend's base URL.
func (b *HTTPBackend) URL() string { return b.baseURL }

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding  []float64 `json:"embedding"`
	Confidence *float64  `json:"confidence"`
	Error      string    `json:"error"`
}

// Embed requests a single embedding for prompt.
func (b *HTTPBackend) Embed(ctx context.Context, prompt string) (Embedding, error) {
	if strings.TrimSpace(prompt) == "" {
		return Embedding{}, services.Wrap(services.ErrValidation, b.name, "embed", "prompt required", nil)
	}
	endpoint, err := url.JoinPath(b.baseURL, "api", "embeddings")
	if err != nil {
		return Embedding{}, services.Wrap(services.ErrConfiguration, b.name, "embed", "build url", err)
	}
	encoded, err := json.Marshal(embeddingRequest{Model: b.model, Prompt: prompt})
	if err != nil {
		return Embedding{}, services.Wrap(services.ErrValidation, b.name, "embed", "encode body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Embedding{}, services.Wrap(services.ErrConfiguration, b.name, "embed", "new request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Embedding{}, services.Wrap(services.ErrUnavailable, b.name, "embed", fmt.Sprintf("http error (timeout=%s)", b.httpClient.Timeout), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Embedding{}, services.Wrap(services.ErrTransient, b.name, "embed", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		status := &services.StatusError{Service: b.name, StatusCode: resp.StatusCode, Body: string(body)}
		marker := services.ErrUnavailable
		if !status.Temporary() {
			marker = services.ErrValidation
		}
		return Embedding{}, services.Wrap(marker, b.name, "embed", "", status)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Embedding{}, services.Wrap(services.ErrTransient, b.name, "embed", "decode response", err)
	}
	if parsed.Error != "" {
		return Embedding{}, services.Wrap(services.ErrTransient, b.name, "embed", parsed.Error, nil)
	}
	if len(parsed.Embedding) == 0 {
		return Embedding{}, services.Wrap(services.ErrTransient, b.name, "embed", "empty embedding", nil)
	}
	vector := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		vector[i] = float32(v)
	}
	confidence := 1.0
	if parsed.Confidence != nil {
		confidence = *parsed.Confidence
	}
	return Embedding{Vector: vector, Confidence: confidence}, nil
}

// Ping checks that the backend answers its model listing endpoint.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	endpoint, err := url.JoinPath(b.baseURL, "api", "tags")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, b.name, "ping", "build url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, b.name, "ping", "new request", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrUnavailable, b.name, "ping", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return services.Wrap(services.ErrUnavailable, b.name, "ping", "", &services.StatusError{Service: b.name, StatusCode: resp.StatusCode})
	}
	return nil
}
