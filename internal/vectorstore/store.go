package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Record is one embedded chunk. ID is deterministic per job and chunk index so
// re-inserting after a retry is a no-op.
type Record struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	Confidence float64   `json:"confidence"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Backend    string    `json:"backend,omitempty"`
}

// Match is a search hit with cosine similarity in Score.
type Match struct {
	Record
	Score float64 `json:"score"`
}

// InsertError describes a record the store refused.
type InsertError struct {
	RecordID string `json:"record_id"`
	Message  string `json:"message"`
}

// InsertReport summarizes a batch insert.
type InsertReport struct {
	Inserted int           `json:"inserted_count"`
	Skipped  int           `json:"skipped_count"`
	Errors   []InsertError `json:"errors,omitempty"`
}

// Store is the Storage and Similarity search API used by the stages.
type Store interface {
	Insert(ctx context.Context, records []Record) (InsertReport, error)
	Search(ctx context.Context, vector []float32, limit int, threshold float64) ([]Match, error)
	Ping(ctx context.Context) error
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Insert stores records whose ids are new.
func (m *Memory) Insert(_ context.Context, records []Record) (InsertReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var report InsertReport
	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			report.Errors = append(report.Errors, InsertError{RecordID: rec.ID, Message: "empty embedding"})
			continue
		}
		if _, exists := m.records[rec.ID]; exists {
			report.Skipped++
			continue
		}
		rec.Embedding = append([]float32(nil), rec.Embedding...)
		rec.Tags = append([]string(nil), rec.Tags...)
		m.records[rec.ID] = rec
		report.Inserted++
	}
	return report, nil
}

// Search ranks stored records by cosine similarity.
func (m *Memory) Search(_ context.Context, vector []float32, limit int, threshold float64) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Match, 0)
	for _, rec := range m.records {
		score := cosine(vector, rec.Embedding)
		if score < threshold {
			continue
		}
		matches = append(matches, Match{Record: rec, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close releases nothing.
func (m *Memory) Close() error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
