package stages

import (
	"context"
	"strings"
	"testing"
	"time"

	"vectorflow/internal/job"
	"vectorflow/internal/stage"
)

func TestChunkerSlidingWindowWithOverlap(t *testing.T) {
	text := strings.Repeat("abcdefghij", 10) // 100 runes, no sentence ends
	chunks := NewChunker(40, 10).Split(text)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Start != 0 || chunks[0].End != 40 || chunks[1].Start != 30 || chunks[2].End != 100 {
		t.Fatalf("unexpected windows %+v", chunks)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if len([]rune(c.Text)) > 40 {
			t.Fatalf("chunk %d exceeds window: %d runes", i, len([]rune(c.Text)))
		}
	}
}

func TestChunkerPrefersSentenceBoundary(t *testing.T) {
	text := "The lessee shall pay rent monthly. The lessor maintains the roof and walls."
	chunks := NewChunker(50, 5).Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %+v", chunks)
	}
	if chunks[0].Text != "The lessee shall pay rent monthly." {
		t.Fatalf("first chunk should end at the sentence, got %q", chunks[0].Text)
	}
	if last := chunks[len(chunks)-1]; last.End != len([]rune(text)) {
		t.Fatalf("last chunk should reach the end, got %+v", last)
	}
}

func TestChunkerCountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("é", 30)
	chunks := NewChunker(10, 2).Split(text)
	for _, c := range chunks {
		if n := len([]rune(c.Text)); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
	if chunks[len(chunks)-1].End != 30 {
		t.Fatalf("expected coverage of all runes, got %+v", chunks[len(chunks)-1])
	}
}

func TestChunkStageRejectsEmptyDocument(t *testing.T) {
	j, err := job.New(job.Spec{Kind: job.KindIngest, Text: "   "}, time.Now())
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	_, err = NewChunkStage(NewChunker(512, 64)).Run(context.Background(), stage.Input{Job: j})
	if !stage.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestChunkStageNormalizesText(t *testing.T) {
	j, err := job.New(job.Spec{Kind: job.KindIngest, Text: "cafe\u0301."}, time.Now())
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	out, err := NewChunkStage(NewChunker(512, 64)).Run(context.Background(), stage.Input{Job: j})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data := out.Data.(ChunkData)
	if len(data.Chunks) != 1 || data.Chunks[0].Text != "caf\u00e9." || data.Runes != 5 {
		t.Fatalf("expected NFC text, got %+v", data)
	}
}
