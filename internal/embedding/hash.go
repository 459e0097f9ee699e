package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const hashDimensions = 64

// HashEngine is a deterministic token-hashing embedder. It has no semantic
// understanding; it exists so the vector path can run offline and in tests
// with stable, repeatable vectors.
type HashEngine struct{}

// NewHashEngine creates a hash embedding engine.
func NewHashEngine() *HashEngine {
	return &HashEngine{}
}

// Embed projects each token into a fixed bucket and L2-normalizes the result.
func (e *HashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashDimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%hashDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *HashEngine) Dimensions() int {
	return hashDimensions
}

func (e *HashEngine) Name() string {
	return "hash"
}
