package stages

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"vectorflow/internal/services"
	"vectorflow/internal/stage"
)

// StageChunk names the chunking stage.
const StageChunk = "chunk"

// Chunk is one window of the normalized document. Start and End are rune
// offsets.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ChunkData is the stored result of the chunk stage.
type ChunkData struct {
	Chunks []Chunk `json:"chunks"`
	Runes  int     `json:"runes"`
}

// Chunker splits text into overlapping windows.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker builds a chunker; invalid sizes fall back to 512/64.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
		if size > 64 {
			overlap = 64
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split cuts text into windows of at most size runes. A window that does not
// reach the end of the text is shortened to its last sentence end when that
// lies past the middle of the window. Consecutive windows share overlap runes.
func (c *Chunker) Split(text string) []Chunk {
	runes := []rune(text)
	var chunks []Chunk
	for start := 0; start < len(runes); {
		end := min(start+c.size, len(runes))
		if end < len(runes) {
			if cut := lastSentenceEnd(runes[start:end]); cut > c.size/2 {
				end = start + cut
			}
		}
		if body := strings.TrimSpace(string(runes[start:end])); body != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: body, Start: start, End: end})
		}
		if end >= len(runes) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// lastSentenceEnd returns the offset just past the last sentence terminator,
// or 0 when the window has none.
func lastSentenceEnd(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return 0
}

// ChunkStage normalizes the payload text and splits it.
type ChunkStage struct {
	chunker *Chunker
}

// NewChunkStage wraps chunker as a stage.
func NewChunkStage(chunker *Chunker) *ChunkStage {
	return &ChunkStage{chunker: chunker}
}

func (s *ChunkStage) Name() string { return StageChunk }

func (s *ChunkStage) Run(_ context.Context, in stage.Input) (stage.Output, error) {
	text := norm.NFC.String(in.Job.Payload.Text)
	if strings.TrimSpace(text) == "" {
		return stage.Output{}, stage.Fatal(StageChunk, services.Wrap(services.ErrValidation, "chunk", "split", "document is empty", nil))
	}
	chunks := s.chunker.Split(text)
	in.Report(100, fmt.Sprintf("%d chunks", len(chunks)))
	return stage.Output{
		Data:    ChunkData{Chunks: chunks, Runes: len([]rune(text))},
		Summary: fmt.Sprintf("split into %d chunks", len(chunks)),
	}, nil
}
