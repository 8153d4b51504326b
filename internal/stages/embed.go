package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"vectorflow/internal/cache"
	"vectorflow/internal/compute"
	"vectorflow/internal/job"
	"vectorflow/internal/logging"
	"vectorflow/internal/stage"
)

// StageEmbed names the embedding stage.
const StageEmbed = "embed"

// EmbeddedChunk is a chunk with its vector.
type EmbeddedChunk struct {
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"vector"`
	Confidence float64   `json:"confidence"`
	Backend    string    `json:"backend"`
	Cached     bool      `json:"cached,omitempty"`
}

// EmbedData is the stored result of the embed stage.
type EmbedData struct {
	Vectors []EmbeddedChunk `json:"vectors"`
	Dropped int             `json:"dropped"`
	Cached  int             `json:"cached"`
}

type cachedVector struct {
	Vector     []float32 `json:"vector"`
	Confidence float64   `json:"confidence"`
	Backend    string    `json:"backend"`
}

// EmbedStage turns chunks (ingest) or the query text (vector-compute) into
// vectors through the compute selector.
type EmbedStage struct {
	selector *compute.Selector
	cache    cache.Cache
	cacheTTL time.Duration
	model    string
	logger   *slog.Logger
}

// NewEmbedStage builds the embed stage. cache may be nil.
func NewEmbedStage(selector *compute.Selector, c cache.Cache, cacheTTL time.Duration, model string, logger *slog.Logger) *EmbedStage {
	return &EmbedStage{
		selector: selector,
		cache:    c,
		cacheTTL: cacheTTL,
		model:    model,
		logger:   logging.NewComponentLogger(logger, "embed"),
	}
}

func (s *EmbedStage) Name() string { return StageEmbed }

func (s *EmbedStage) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	inputs, err := s.inputs(in)
	if err != nil {
		return stage.Output{}, err
	}
	threshold := 0.0
	if in.Job.Kind == job.KindIngest {
		threshold = in.Job.Payload.Metadata.ConfidenceThreshold
	}

	data := EmbedData{Vectors: make([]EmbeddedChunk, 0, len(inputs))}
	backend := ""
	for i, chunk := range inputs {
		if err := ctx.Err(); err != nil {
			return stage.Output{}, context.Cause(ctx)
		}
		embedded, err := s.embedOne(ctx, in, chunk)
		if err != nil {
			return stage.Output{}, err
		}
		if embedded.Cached {
			data.Cached++
		} else {
			backend = embedded.Backend
		}
		if embedded.Confidence < threshold {
			data.Dropped++
		} else {
			data.Vectors = append(data.Vectors, embedded)
		}
		in.Report(float64(i+1)/float64(len(inputs))*100, fmt.Sprintf("embedded %d/%d", i+1, len(inputs)))
	}
	if backend == "" && len(data.Vectors) > 0 {
		backend = data.Vectors[len(data.Vectors)-1].Backend
	}

	return stage.Output{
		Data:    data,
		Summary: fmt.Sprintf("embedded %d chunks (%d cached, %d below confidence)", len(inputs), data.Cached, data.Dropped),
		Backend: backend,
	}, nil
}

func (s *EmbedStage) inputs(in stage.Input) ([]Chunk, error) {
	if in.Job.Kind == job.KindVectorCompute {
		return []Chunk{{Index: 0, Text: in.Job.Payload.Text}}, nil
	}
	var chunked ChunkData
	if err := in.Decode(StageChunk, StageEmbed, &chunked); err != nil {
		return nil, err
	}
	return chunked.Chunks, nil
}

func (s *EmbedStage) embedOne(ctx context.Context, in stage.Input, chunk Chunk) (EmbeddedChunk, error) {
	route := s.selector.Route(in.Pin)
	if hit, ok := s.lookup(ctx, s.cacheKey(route, chunk.Text)); ok && hit.Backend == route {
		return EmbeddedChunk{Index: chunk.Index, Text: chunk.Text, Vector: hit.Vector, Confidence: hit.Confidence, Backend: hit.Backend, Cached: true}, nil
	}

	res, err := s.selector.Compute(ctx, in.Pin, chunk.Text)
	if err != nil {
		if ctx.Err() != nil {
			return EmbeddedChunk{}, context.Cause(ctx)
		}
		return EmbeddedChunk{}, stage.Classify(StageEmbed, err)
	}
	s.store(ctx, s.cacheKey(res.Backend, chunk.Text), cachedVector{Vector: res.Vector, Confidence: res.Confidence, Backend: res.Backend})
	return EmbeddedChunk{Index: chunk.Index, Text: chunk.Text, Vector: res.Vector, Confidence: res.Confidence, Backend: res.Backend}, nil
}

// cacheKey scopes cached vectors to the backend that produced them so a
// fallback vector is never served to a job still on the primary.
func (s *EmbedStage) cacheKey(backend, text string) string {
	return cache.Fingerprint(StageEmbed, s.model, backend, text)
}

func (s *EmbedStage) lookup(ctx context.Context, key string) (cachedVector, bool) {
	if s.cache == nil {
		return cachedVector{}, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Debug("embedding cache lookup failed", logging.Error(err))
		return cachedVector{}, false
	}
	if !ok {
		return cachedVector{}, false
	}
	var hit cachedVector
	if err := json.Unmarshal(raw, &hit); err != nil || len(hit.Vector) == 0 {
		return cachedVector{}, false
	}
	return hit, true
}

func (s *EmbedStage) store(ctx context.Context, key string, value cachedVector) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger.Debug("embedding cache store failed", logging.Error(err))
	}
}

// HealthCheck pings every configured compute backend that supports it.
func (s *EmbedStage) HealthCheck(ctx context.Context) stage.Health {
	for _, backend := range s.selector.Backends() {
		pinger, ok := backend.(interface{ Ping(context.Context) error })
		if !ok {
			return stage.Healthy(StageEmbed)
		}
		if err := pinger.Ping(ctx); err == nil {
			return stage.Healthy(StageEmbed)
		}
	}
	if len(s.selector.Backends()) == 0 {
		return stage.Unhealthy(StageEmbed, "no compute backend configured")
	}
	return stage.Unhealthy(StageEmbed, "no compute backend reachable")
}
