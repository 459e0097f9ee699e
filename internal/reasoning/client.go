// Package reasoning provides the LLM clients used by stage handlers. Each
// stage makes exactly one completion call; retry and backoff live with the
// caller, so every client here is single-shot and classifies failures via
// retry.StatusError / retry.ErrEmptyResponse.
package reasoning

import (
	"context"
	"time"
)

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Params are the per-call generation parameters a stage pins at
// construction time.
type Params struct {
	Temperature float64
	MaxTokens   int
}

// DefaultParams returns the pipeline-wide generation defaults.
func DefaultParams() Params {
	return Params{
		Temperature: 0.1, // Low temperature for structured output
		MaxTokens:   4096,
	}
}

// Config holds configuration for a reasoning client.
type Config struct {
	Provider string        `yaml:"provider" json:"provider"` // openai, deepseek, perplexity, gemini
	APIKey   string        `yaml:"api_key" json:"api_key"`
	BaseURL  string        `yaml:"base_url" json:"base_url"`
	Model    string        `yaml:"model" json:"model"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`

	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

func (c Config) params() Params {
	p := DefaultParams()
	if c.Temperature > 0 {
		p.Temperature = c.Temperature
	}
	if c.MaxTokens > 0 {
		p.MaxTokens = c.MaxTokens
	}
	return p
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 120 * time.Second
}
