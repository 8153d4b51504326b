package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"vectorflow/internal/services"
)

// Postgres stores chunks in a pgvector table.
type Postgres struct {
	pool       *pgxpool.Pool
	table      string
	dimensions int
}

// OpenPostgres connects to dsn and ensures the chunk table exists.
func OpenPostgres(ctx context.Context, dsn, table string, dimensions int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "vectorstore", "open", "parse dsn", err)
	}
	store := &Postgres{pool: pool, table: pgx.Identifier{table}.Sanitize(), dimensions: dimensions}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, services.Wrap(services.ErrUnavailable, "vectorstore", "open", "ping", err)
	}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 1,
			owner_id TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			backend TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table, p.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pgx.Identifier{indexName(p.table)}.Sanitize(), p.table),
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return classify("ensure schema", err)
		}
	}
	return nil
}

// Insert writes records in one batch; existing ids are skipped. Per-record
// failures are reported rather than aborting the batch.
func (p *Postgres) Insert(ctx context.Context, records []Record) (InsertReport, error) {
	var report InsertReport
	if len(records) == 0 {
		return report, nil
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, document_id, chunk_index, content, embedding, confidence, owner_id, tags, backend)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`, p.table)
	batch := &pgx.Batch{}
	for _, rec := range records {
		tags := rec.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(query, rec.ID, rec.DocumentID, rec.ChunkIndex, rec.Content,
			pgvector.NewVector(rec.Embedding), rec.Confidence, rec.OwnerID, tags, rec.Backend)
	}
	results := p.pool.SendBatch(ctx, batch)
	for _, rec := range records {
		tag, err := results.Exec()
		if err != nil {
			if ctx.Err() != nil {
				_ = results.Close()
				return report, classify("insert", err)
			}
			report.Errors = append(report.Errors, InsertError{RecordID: rec.ID, Message: err.Error()})
			continue
		}
		if tag.RowsAffected() == 0 {
			report.Skipped++
		} else {
			report.Inserted++
		}
	}
	if err := results.Close(); err != nil && len(report.Errors) == 0 {
		return report, classify("insert", err)
	}
	return report, nil
}

// Search returns the nearest records by cosine similarity.
func (p *Postgres) Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]Match, error) {
	query := fmt.Sprintf(`SELECT id, document_id, chunk_index, content, confidence, owner_id, tags, backend,
		1 - (embedding <=> $1) AS score
		FROM %s
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT $3`, p.table)
	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), threshold, limit)
	if err != nil {
		return nil, classify("search", err)
	}
	defer rows.Close()
	matches := make([]Match, 0, limit)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkIndex, &m.Content, &m.Confidence,
			&m.OwnerID, &m.Tags, &m.Backend, &m.Score); err != nil {
			return nil, classify("search scan", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search", err)
	}
	return matches, nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func indexName(sanitizedTable string) string {
	name := make([]rune, 0, len(sanitizedTable)+16)
	for _, r := range sanitizedTable {
		if r != '"' {
			name = append(name, r)
		}
	}
	return string(name) + "_embedding_idx"
}

// classify marks data and schema errors (SQLSTATE classes 22, 23, 42) as
// validation failures; everything else is treated as unavailability.
func classify(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return services.Wrap(services.ErrValidation, "vectorstore", operation, pgErr.Code, err)
		}
	}
	return services.Wrap(services.ErrUnavailable, "vectorstore", operation, "", err)
}
