// Package embedding provides vector embedding generation for the vector
// context stage. Backends: Google GenAI (cloud) and a deterministic hash
// engine for offline runs and tests.
package embedding

import (
	"context"
	"fmt"
	"math"

	"loom/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "genai" or "hash"
	Provider string `yaml:"provider" json:"provider"`

	// GenAI configuration
	APIKey string `yaml:"api_key" json:"api_key"`
	Model  string `yaml:"model" json:"model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `yaml:"task_type" json:"task_type"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: "genai",
		Model:    "gemini-embedding-001",
		TaskType: "SEMANTIC_SIMILARITY",
	}
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Vector("Creating embedding engine with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "genai", "":
		return NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.TaskType)
	case "hash":
		return NewHashEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'genai' or 'hash')", cfg.Provider)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
