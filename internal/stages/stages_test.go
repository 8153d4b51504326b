package stages

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorflow/internal/cache"
	"vectorflow/internal/compute"
	"vectorflow/internal/job"
	"vectorflow/internal/services"
	"vectorflow/internal/stage"
	"vectorflow/internal/vectorstore"
)

type countingBackend struct {
	name       string
	mu         sync.Mutex
	calls      int
	failFirst  int
	confidence map[string]float64
}

func (b *countingBackend) Name() string { return b.name }

func (b *countingBackend) Embed(_ context.Context, prompt string) (compute.Embedding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failFirst {
		return compute.Embedding{}, services.Wrap(services.ErrUnavailable, b.name, "embed", "", errors.New("device lost"))
	}
	conf := 1.0
	if c, ok := b.confidence[prompt]; ok {
		conf = c
	}
	return compute.Embedding{Vector: []float32{float32(len(prompt)), 1}, Confidence: conf}, nil
}

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func runStage(t *testing.T, h stage.Handler, in stage.Input) job.StageResult {
	t.Helper()
	out, err := h.Run(context.Background(), in)
	require.NoError(t, err)
	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	return job.StageResult{Stage: h.Name(), Data: data, Backend: out.Backend}
}

func newIngestJob(t *testing.T, text string, threshold float64) *job.Job {
	t.Helper()
	j, err := job.New(job.Spec{
		Kind:     job.KindIngest,
		Text:     text,
		Metadata: job.Metadata{OwnerID: "u1", Tags: []string{"lease"}, ConfidenceThreshold: threshold},
	}, time.Now())
	require.NoError(t, err)
	return j
}

func TestIngestPlanEndToEnd(t *testing.T) {
	primary := &countingBackend{name: "primary"}
	store := vectorstore.NewMemory()
	plans := Plans(Deps{
		Chunker:  NewChunker(20, 0),
		Selector: compute.NewSelector(primary, nil),
		Cache:    cache.NewMemory(),
		Model:    "m",
		Store:    store,
	})
	handlers := plans[job.KindIngest]
	require.Len(t, handlers, 3)

	j := newIngestJob(t, "First clause here. Second clause here. Third.", 0)
	var progress []float64
	in := stage.Input{Job: j, Pin: &compute.Pin{}, Progress: func(p float64, _ string) { progress = append(progress, p) }}
	for _, h := range handlers {
		result := runStage(t, h, in)
		in.Results = append(in.Results, result)
	}

	var persisted vectorstore.InsertReport
	require.NoError(t, json.Unmarshal(in.Results[2].Data, &persisted))
	assert.Equal(t, store.Len(), persisted.Inserted)
	assert.Positive(t, persisted.Inserted)
	assert.Equal(t, "primary", in.Results[1].Backend)
	assert.Contains(t, progress, 100.0)

	// Re-running embed and persist (as a retry would) reuses the cache and
	// does not duplicate rows.
	callsBefore := primary.count()
	again := runStage(t, handlers[1], stage.Input{Job: j, Pin: &compute.Pin{}, Results: in.Results[:1]})
	assert.Equal(t, callsBefore, primary.count())
	var reEmbedded EmbedData
	require.NoError(t, json.Unmarshal(again.Data, &reEmbedded))
	assert.Equal(t, len(reEmbedded.Vectors), reEmbedded.Cached)

	redo := runStage(t, handlers[2], stage.Input{Job: j, Results: []job.StageResult{in.Results[0], again}})
	var second vectorstore.InsertReport
	require.NoError(t, json.Unmarshal(redo.Data, &second))
	assert.Zero(t, second.Inserted)
	assert.Equal(t, persisted.Inserted, second.Skipped)
}

func TestEmbedCacheIsScopedToBackend(t *testing.T) {
	primary := &countingBackend{name: "primary", failFirst: 1}
	fallback := &countingBackend{name: "fallback"}
	shared := cache.NewMemory()
	embed := NewEmbedStage(compute.NewSelector(primary, fallback), shared, time.Minute, "m", nil)
	newQuery := func() *job.Job {
		j, err := job.New(job.Spec{Kind: job.KindVectorCompute, Text: "renewal option"}, time.Now())
		require.NoError(t, err)
		return j
	}

	outage, err := embed.Run(context.Background(), stage.Input{Job: newQuery(), Pin: &compute.Pin{}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", outage.Backend)

	// A later job with a healthy primary must not reuse the fallback vector.
	pin := &compute.Pin{}
	healthy, err := embed.Run(context.Background(), stage.Input{Job: newQuery(), Pin: pin})
	require.NoError(t, err)
	assert.False(t, pin.Engaged())
	assert.Equal(t, 2, primary.count())
	data := healthy.Data.(EmbedData)
	require.Len(t, data.Vectors, 1)
	assert.Equal(t, "primary", data.Vectors[0].Backend)
	assert.False(t, data.Vectors[0].Cached)

	// A job pinned to the fallback reads the fallback's own entry.
	pinned := &compute.Pin{}
	pinned.Engage()
	reused, err := embed.Run(context.Background(), stage.Input{Job: newQuery(), Pin: pinned})
	require.NoError(t, err)
	assert.Equal(t, 1, reused.Data.(EmbedData).Cached)
	assert.Equal(t, 1, fallback.count())
	assert.Equal(t, "fallback", reused.Data.(EmbedData).Vectors[0].Backend)
}

func TestEmbedDropsLowConfidenceVectors(t *testing.T) {
	primary := &countingBackend{name: "primary", confidence: map[string]float64{"weak.": 0.2}}
	embed := NewEmbedStage(compute.NewSelector(primary, nil), nil, 0, "m", nil)
	j := newIngestJob(t, "strong.", 0.5)
	chunks, _ := json.Marshal(ChunkData{Chunks: []Chunk{{Index: 0, Text: "strong."}, {Index: 1, Text: "weak."}}})

	out, err := embed.Run(context.Background(), stage.Input{Job: j, Pin: &compute.Pin{}, Results: []job.StageResult{{Stage: StageChunk, Data: chunks}}})
	require.NoError(t, err)
	data := out.Data.(EmbedData)
	assert.Equal(t, 1, data.Dropped)
	require.Len(t, data.Vectors, 1)
	assert.Equal(t, "strong.", data.Vectors[0].Text)
}

func TestEmbedEngagesFallbackAndReportsBackend(t *testing.T) {
	primary := &countingBackend{name: "primary", failFirst: 100}
	fallback := &countingBackend{name: "fallback"}
	embed := NewEmbedStage(compute.NewSelector(primary, fallback), nil, 0, "m", nil)
	j, err := job.New(job.Spec{Kind: job.KindVectorCompute, Text: "termination notice"}, time.Now())
	require.NoError(t, err)
	pin := &compute.Pin{}

	out, err := embed.Run(context.Background(), stage.Input{Job: j, Pin: pin})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out.Backend)
	assert.True(t, pin.Engaged())
	assert.Equal(t, 1, primary.count())
}

func TestEmbedClassifiesBackendFailures(t *testing.T) {
	primary := &countingBackend{name: "primary", failFirst: 1}
	embed := NewEmbedStage(compute.NewSelector(primary, nil), nil, 0, "m", nil)
	j, err := job.New(job.Spec{Kind: job.KindVectorCompute, Text: "q"}, time.Now())
	require.NoError(t, err)

	_, err = embed.Run(context.Background(), stage.Input{Job: j, Pin: &compute.Pin{}})
	var recoverable *stage.RecoverableError
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, StageEmbed, recoverable.Stage)
}

func TestEmbedWithoutChunkResultIsFatal(t *testing.T) {
	embed := NewEmbedStage(compute.NewSelector(&countingBackend{name: "primary"}, nil), nil, 0, "m", nil)
	_, err := embed.Run(context.Background(), stage.Input{Job: newIngestJob(t, "x", 0)})
	assert.True(t, stage.IsFatal(err))
}

type failingStore struct {
	vectorstore.Store
	report vectorstore.InsertReport
	err    error
}

func (f failingStore) Insert(context.Context, []vectorstore.Record) (vectorstore.InsertReport, error) {
	return f.report, f.err
}

func TestPersistRecoverableWhenNothingWritten(t *testing.T) {
	embedded, _ := json.Marshal(EmbedData{Vectors: []EmbeddedChunk{{Index: 0, Text: "a", Vector: []float32{1}}}})
	in := stage.Input{Job: newIngestJob(t, "a", 0), Results: []job.StageResult{{Stage: StageEmbed, Data: embedded}}}

	store := failingStore{report: vectorstore.InsertReport{Errors: []vectorstore.InsertError{{RecordID: "x", Message: "timeout"}}}}
	_, err := NewPersistStage(store).Run(context.Background(), in)
	var recoverable *stage.RecoverableError
	require.ErrorAs(t, err, &recoverable)

	store = failingStore{err: services.Wrap(services.ErrValidation, "vectorstore", "insert", "22P02", errors.New("bad vector"))}
	_, err = NewPersistStage(store).Run(context.Background(), in)
	assert.True(t, stage.IsFatal(err))
}

func TestSearchUsesQueryOptions(t *testing.T) {
	store := vectorstore.NewMemory()
	_, err := store.Insert(context.Background(), []vectorstore.Record{
		{ID: "a", Content: "same", Embedding: []float32{4, 1}},
		{ID: "b", Content: "orthogonal", Embedding: []float32{-1, 4}},
	})
	require.NoError(t, err)

	j, err := job.New(job.Spec{Kind: job.KindVectorCompute, Text: "four", Query: &job.Query{Limit: 5, Threshold: 0.9}}, time.Now())
	require.NoError(t, err)
	embedded, _ := json.Marshal(EmbedData{Vectors: []EmbeddedChunk{{Vector: []float32{4, 1}}}})

	out, err := NewSearchStage(store).Run(context.Background(), stage.Input{Job: j, Results: []job.StageResult{{Stage: StageEmbed, Data: embedded}}})
	require.NoError(t, err)
	matches := out.Data.(SearchData).Matches
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}
