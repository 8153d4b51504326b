package compute_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorflow/internal/compute"
	"vectorflow/internal/services"
)

func TestHTTPBackendEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body["model"])
		assert.Equal(t, "legal text", body["prompt"])
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25,-1],"confidence":0.8}`))
	}))
	defer server.Close()

	backend := compute.NewHTTPBackend("primary", server.URL+"/", "nomic-embed-text", compute.WithTimeout(time.Second))
	emb, err := backend.Embed(context.Background(), "legal text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, -1}, emb.Vector)
	assert.InDelta(t, 0.8, emb.Confidence, 1e-9)
	assert.Equal(t, "primary", backend.Name())
}

func TestHTTPBackendDefaultsConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[1]}`))
	}))
	defer server.Close()

	emb, err := compute.NewHTTPBackend("fallback", server.URL, "m").Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1.0, emb.Confidence)
}

func TestHTTPBackendClassifiesStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", int(status.Load()))
	}))
	defer server.Close()
	backend := compute.NewHTTPBackend("primary", server.URL, "m")

	_, err := backend.Embed(context.Background(), "x")
	require.ErrorIs(t, err, services.ErrUnavailable)
	assert.True(t, compute.ShouldEngage(err))

	status.Store(http.StatusBadRequest)
	_, err = backend.Embed(context.Background(), "x")
	require.ErrorIs(t, err, services.ErrValidation)
	assert.False(t, compute.ShouldEngage(err))
	var statusErr *services.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestHTTPBackendUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	backend := compute.NewHTTPBackend("primary", addr, "m")
	_, err := backend.Embed(context.Background(), "x")
	require.ErrorIs(t, err, services.ErrUnavailable)
	assert.True(t, compute.ShouldEngage(err))
	require.Error(t, backend.Ping(context.Background()))

	_, err = backend.Embed(context.Background(), "  ")
	require.ErrorIs(t, err, services.ErrValidation)
}
