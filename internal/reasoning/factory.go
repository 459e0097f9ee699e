package reasoning

import (
	"fmt"

	"loom/internal/logging"
)

// Provider identifiers accepted by NewClient.
const (
	ProviderOpenAI     = "openai"
	ProviderDeepSeek   = "deepseek"
	ProviderPerplexity = "perplexity"
	ProviderGemini     = "gemini"
)

// NewClient creates a reasoning client for the configured provider.
// DeepSeek and Perplexity ride the OpenAI-compatible client with their own
// endpoints; Gemini goes through the GenAI SDK.
func NewClient(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("reasoning API key required for provider %q", cfg.Provider)
	}

	logging.Reasoning("Creating reasoning client provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case ProviderOpenAI, "":
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
		return NewOpenAIClient(cfg), nil

	case ProviderDeepSeek:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.deepseek.com/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "deepseek-chat"
		}
		return NewOpenAIClient(cfg), nil

	case ProviderPerplexity:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.perplexity.ai"
		}
		if cfg.Model == "" {
			cfg.Model = "sonar-deep-research"
		}
		return NewOpenAIClient(cfg), nil

	case ProviderGemini:
		return NewGeminiClient(cfg)

	default:
		return nil, fmt.Errorf("unsupported reasoning provider: %s", cfg.Provider)
	}
}
