package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteDocument writes text to path, creating parent directories.
func WriteDocument(t testing.TB, path, text string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Sentences builds a document of n numbered sentences, handy for exercising
// the chunker's sentence boundary handling.
func Sentences(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("Clause ")
		b.WriteString(strings.Repeat("x", i%7+1))
		b.WriteString(" binds the parties.")
	}
	return b.String()
}
