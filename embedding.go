package memori

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// embedMaxRetries is the number of retries for transient embedding failures
// (e.g. model loading timeouts). Total attempts = embedMaxRetries + 1.
const embedMaxRetries = 2

// embedWithRetry calls e.Embed, retrying up to embedMaxRetries times on
// failure. Returns immediately on context cancellation.
func embedWithRetry(ctx context.Context, e Embedder, text string) ([]float32, error) {
	var result []float32
	var err error
	attempts := 0
	for attempt := range embedMaxRetries + 1 {
		attempts++
		result, err = e.Embed(ctx, text)
		if err == nil {
			return result, nil
		}
		if attempt < embedMaxRetries && ctx.Err() != nil {
			break // caller gave up; don't burn retries
		}
	}
	return nil, newErr("memori: embed", KindEmbedderUnavailable, "", fmt.Errorf("embedding failed after %d attempts: %w", attempts, err))
}

// embedBatchWithRetry embeds many texts, preferring a BatchEmbedder's native
// batch call and falling back to one embedWithRetry call per text.
func embedBatchWithRetry(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if be, ok := e.(BatchEmbedder); ok {
		var result [][]float32
		var err error
		attempts := 0
		for attempt := range embedMaxRetries + 1 {
			attempts++
			result, err = be.EmbedBatch(ctx, texts)
			if err == nil {
				return result, nil
			}
			if attempt < embedMaxRetries && ctx.Err() != nil {
				break
			}
		}
		return nil, newErr("memori: embed batch", KindEmbedderUnavailable, "", fmt.Errorf("batch embedding failed after %d attempts: %w", attempts, err))
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := embedWithRetry(ctx, e, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the vectors differ in length, are empty, or have zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// EncodeFloat32s serializes a float32 slice to a little-endian byte slice,
// suitable for storing as a BLOB in SQLite.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s deserializes a little-endian byte slice back to a float32 slice.
func DecodeFloat32s(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := range n {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
