package stages

import (
	"log/slog"
	"time"

	"vectorflow/internal/cache"
	"vectorflow/internal/compute"
	"vectorflow/internal/job"
	"vectorflow/internal/stage"
	"vectorflow/internal/vectorstore"
)

// Deps are the collaborators the stages share.
type Deps struct {
	Chunker  *Chunker
	Selector *compute.Selector
	Cache    cache.Cache
	CacheTTL time.Duration
	Model    string
	Store    vectorstore.Store
	Logger   *slog.Logger
}

// Plans returns the ordered stages for each job kind.
func Plans(deps Deps) map[job.Kind][]stage.Handler {
	chunker := deps.Chunker
	if chunker == nil {
		chunker = NewChunker(512, 64)
	}
	embed := NewEmbedStage(deps.Selector, deps.Cache, deps.CacheTTL, deps.Model, deps.Logger)
	return map[job.Kind][]stage.Handler{
		job.KindIngest:        {NewChunkStage(chunker), embed, NewPersistStage(deps.Store)},
		job.KindVectorCompute: {embed, NewSearchStage(deps.Store)},
	}
}
