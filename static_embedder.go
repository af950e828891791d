package memori

import (
	"context"
	"hash/fnv"
	"math"
)

// StaticEmbedder is a deterministic, dependency-free Embedder for tests: it
// hashes each word of the input text into a fixed-dimension vector so that
// similar text produces similar (but not identical) vectors, without any
// network call. Identical input always produces an identical vector within
// one process, satisfying the Embedder contract.
type StaticEmbedder struct {
	dim int
}

// NewStaticEmbedder creates a StaticEmbedder with the given output dimension.
func NewStaticEmbedder(dim int) *StaticEmbedder {
	return &StaticEmbedder{dim: dim}
}

func (e *StaticEmbedder) Dimension() int { return e.dim }

func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	word := make([]byte, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h := fnv.New64a()
		h.Write(word)
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dim))
		vec[bucket] += 1
		word = word[:0]
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ' ' || c == '\t' || c == '\n' {
			flush()
			continue
		}
		word = append(word, c)
	}
	flush()

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

var _ Embedder = (*StaticEmbedder)(nil)
var _ BatchEmbedder = (*StaticEmbedder)(nil)
