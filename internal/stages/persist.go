package stages

import (
	"context"
	"errors"
	"fmt"

	"vectorflow/internal/stage"
	"vectorflow/internal/vectorstore"
)

// StagePersist names the persistence stage.
const StagePersist = "persist"

// PersistStage writes embedded chunks through the vector store.
type PersistStage struct {
	store vectorstore.Store
}

// NewPersistStage wraps store as a stage.
func NewPersistStage(store vectorstore.Store) *PersistStage {
	return &PersistStage{store: store}
}

func (s *PersistStage) Name() string { return StagePersist }

func (s *PersistStage) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	var embedded EmbedData
	if err := in.Decode(StageEmbed, StagePersist, &embedded); err != nil {
		return stage.Output{}, err
	}
	meta := in.Job.Payload.Metadata
	records := make([]vectorstore.Record, 0, len(embedded.Vectors))
	for _, v := range embedded.Vectors {
		records = append(records, vectorstore.Record{
			ID:         fmt.Sprintf("%s:%d", in.Job.ID, v.Index),
			DocumentID: documentID(in),
			ChunkIndex: v.Index,
			Content:    v.Text,
			Embedding:  v.Vector,
			Confidence: v.Confidence,
			OwnerID:    meta.OwnerID,
			Tags:       meta.Tags,
			Backend:    v.Backend,
		})
	}

	report, err := s.store.Insert(ctx, records)
	if err != nil {
		if ctx.Err() != nil {
			return stage.Output{}, context.Cause(ctx)
		}
		return stage.Output{}, stage.Classify(StagePersist, err)
	}
	if report.Inserted == 0 && report.Skipped == 0 && len(report.Errors) > 0 {
		return stage.Output{}, stage.Recoverable(StagePersist,
			errors.New("no records written: "+report.Errors[0].Message))
	}
	in.Report(100, "")
	return stage.Output{
		Data:    report,
		Summary: fmt.Sprintf("inserted %d records (%d existing, %d errors)", report.Inserted, report.Skipped, len(report.Errors)),
	}, nil
}

// HealthCheck pings the vector store.
func (s *PersistStage) HealthCheck(ctx context.Context) stage.Health {
	if err := s.store.Ping(ctx); err != nil {
		return stage.Unhealthy(StagePersist, err.Error())
	}
	return stage.Healthy(StagePersist)
}

// documentID groups records of one document; retried jobs keep the id of the
// job they re-run.
func documentID(in stage.Input) string {
	if in.Job.RetryOf != "" {
		return in.Job.RetryOf
	}
	return in.Job.ID
}
