package textutil

import (
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const minTokenLength = 3

// Tokenize splits text into lowercase alphanumeric tokens, dropping short ones.
func Tokenize(text string) []string {
	folded := strings.ToLower(foldDiacritics(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, field := range fields {
		if len([]rune(field)) >= minTokenLength {
			tokens = append(tokens, field)
		}
	}
	return tokens
}

// TermCounts returns how often each token appears in text.
func TermCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, token := range Tokenize(text) {
		counts[token]++
	}
	return counts
}

// HashVector projects the term counts of text onto dims buckets using the
// signed hashing trick and L2-normalizes the result. Sublinear term
// frequency keeps one repeated word from dominating. It returns nil when text
// has no tokens or dims is not positive.
func HashVector(text string, dims int) []float32 {
	if dims <= 0 {
		return nil
	}
	counts := TermCounts(text)
	if len(counts) == 0 {
		return nil
	}
	acc := make([]float64, dims)
	for token, count := range counts {
		h := xxhash.Sum64String(token)
		bucket := int(h % uint64(dims))
		weight := 1 + math.Log(float64(count))
		if h>>63 == 1 {
			weight = -weight
		}
		acc[bucket] += weight
	}
	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dims)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

func foldDiacritics(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return folded
}
