package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashDimensions = 256

// Hash is an offline embedder that feature-hashes lowercased word tokens into
// a fixed number of buckets. Texts sharing words land close together, which is
// enough for local runs and tests without an embedding service.
type Hash struct {
	dimensions int
}

func NewHash(dimensions int) *Hash {
	if dimensions <= 0 {
		dimensions = defaultHashDimensions
	}
	return &Hash{dimensions: dimensions}
}

func (h *Hash) Model() string   { return "hash" }
func (h *Hash) Dimensions() int { return h.dimensions }

func (h *Hash) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *Hash) embed(text string) []float32 {
	vec := make([]float32, h.dimensions)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	// Punctuation-only text hashes as a single token.
	if len(tokens) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			tokens = []string{t}
		}
	}
	for _, tok := range tokens {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimensions))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	return Normalize(vec)
}
