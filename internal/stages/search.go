package stages

import (
	"context"
	"errors"
	"fmt"

	"vectorflow/internal/stage"
	"vectorflow/internal/vectorstore"
)

// StageSearch names the similarity search stage.
const StageSearch = "search"

// DefaultSearchLimit applies when a query leaves the limit unset.
const DefaultSearchLimit = 10

// SearchData is the stored result of the search stage.
type SearchData struct {
	Matches []vectorstore.Match `json:"matches"`
}

// SearchStage runs a similarity query with the embedded query vector.
type SearchStage struct {
	store vectorstore.Store
}

// NewSearchStage wraps store as a stage.
func NewSearchStage(store vectorstore.Store) *SearchStage {
	return &SearchStage{store: store}
}

func (s *SearchStage) Name() string { return StageSearch }

func (s *SearchStage) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	var embedded EmbedData
	if err := in.Decode(StageEmbed, StageSearch, &embedded); err != nil {
		return stage.Output{}, err
	}
	if len(embedded.Vectors) == 0 {
		return stage.Output{}, stage.Fatal(StageSearch, errors.New("query produced no vector"))
	}
	limit := DefaultSearchLimit
	threshold := 0.0
	if q := in.Job.Payload.Query; q != nil {
		if q.Limit > 0 {
			limit = q.Limit
		}
		threshold = q.Threshold
	}

	matches, err := s.store.Search(ctx, embedded.Vectors[0].Vector, limit, threshold)
	if err != nil {
		if ctx.Err() != nil {
			return stage.Output{}, context.Cause(ctx)
		}
		return stage.Output{}, stage.Classify(StageSearch, err)
	}
	in.Report(100, "")
	return stage.Output{
		Data:    SearchData{Matches: matches},
		Summary: fmt.Sprintf("%d matches", len(matches)),
	}, nil
}

// HealthCheck pings the vector store.
func (s *SearchStage) HealthCheck(ctx context.Context) stage.Health {
	if err := s.store.Ping(ctx); err != nil {
		return stage.Unhealthy(StageSearch, err.Error())
	}
	return stage.Healthy(StageSearch)
}
