// Package config loads the pipeline configuration from YAML with
// environment overrides for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all loom configuration.
type Config struct {
	// Core settings
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"` // base dir for .loom state (db, logs)

	// Reasoning clients
	Reasoning ReasoningConfig `yaml:"reasoning"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Upstream collector
	Collector CollectorConfig `yaml:"collector"`

	// Cycle counter backend
	Counter CounterConfig `yaml:"counter"`

	// Scheduler cadence
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Task queue
	Queue QueueConfig `yaml:"queue"`

	// HTTP trigger surface
	Server ServerConfig `yaml:"server"`

	// Storage
	Store StoreConfig `yaml:"store"`

	// Retry policy shared by stage handlers
	Retry RetryConfig `yaml:"retry"`
}

// ReasoningConfig configures the LLM clients by role.
type ReasoningConfig struct {
	// Default serves every stage that has no dedicated client.
	Default LLMConfig `yaml:"default"`
	// Research serves the deep-research stage (a search-grounded model).
	Research LLMConfig `yaml:"research"`
}

// LLMConfig configures one reasoning client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, deepseek, perplexity, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the vector embedding engine.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // genai, hash
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// CollectorConfig configures the upstream text collector.
type CollectorConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
}

// CounterConfig configures the cycle counter backend.
type CounterConfig struct {
	Backend string `yaml:"backend"` // sqlite, rest, memory
	URL     string `yaml:"url"`     // rest backend base URL
	Token   string `yaml:"token"`
}

// SchedulerConfig sets the collection cadence thresholds.
type SchedulerConfig struct {
	FanOutEvery int `yaml:"fan_out_every"`
	MediumEvery int `yaml:"medium_every"`
}

// QueueConfig tunes the stage task workers.
type QueueConfig struct {
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
}

// ServerConfig configures the HTTP trigger listener.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	StageTimeout string `yaml:"stage_timeout"`
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RetryConfig sets the stage handler retry policy.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "loom",
		Workspace: ".",
		Reasoning: ReasoningConfig{
			Default: LLMConfig{
				Provider: "deepseek",
				Model:    "deepseek-chat",
				Timeout:  "120s",
			},
			Research: LLMConfig{
				Provider: "perplexity",
				Model:    "sonar-deep-research",
				Timeout:  "300s",
			},
		},
		Embedding: EmbeddingConfig{
			Provider: "genai",
			Model:    "gemini-embedding-001",
		},
		Collector: CollectorConfig{
			Timeout: "60s",
		},
		Counter: CounterConfig{
			Backend: "sqlite",
		},
		Scheduler: SchedulerConfig{
			FanOutEvery: 12,
			MediumEvery: 3,
		},
		Queue: QueueConfig{
			Workers:     2,
			MaxAttempts: 3,
			BaseDelay:   "2s",
		},
		Server: ServerConfig{
			Addr:         ":8787",
			StageTimeout: "5m",
		},
		Store: StoreConfig{
			Path: filepath.Join(".loom", "loom.db"),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   "1s",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Secrets always
// come from the environment when present.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" && c.Reasoning.Default.Provider == "deepseek" {
		c.Reasoning.Default.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Reasoning.Default.Provider == "openai" {
		c.Reasoning.Default.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.Reasoning.Default.Provider == "gemini" {
			c.Reasoning.Default.APIKey = key
		}
		if c.Embedding.Provider == "genai" && c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}
	if key := os.Getenv("PERPLEXITY_API_KEY"); key != "" {
		c.Reasoning.Research.APIKey = key
	}

	if url := os.Getenv("LOOM_COLLECTOR_URL"); url != "" {
		c.Collector.URL = url
	}
	if token := os.Getenv("LOOM_COLLECTOR_TOKEN"); token != "" {
		c.Collector.Token = token
	}
	if url := os.Getenv("LOOM_COUNTER_URL"); url != "" {
		c.Counter.Backend = "rest"
		c.Counter.URL = url
	}
	if token := os.Getenv("LOOM_COUNTER_TOKEN"); token != "" {
		c.Counter.Token = token
	}
	if path := os.Getenv("LOOM_DB"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("LOOM_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// Validate checks the settings a running pipeline cannot do without.
func (c *Config) Validate() error {
	if c.Reasoning.Default.APIKey == "" {
		return fmt.Errorf("reasoning.default.api_key is required (provider %s)", c.Reasoning.Default.Provider)
	}
	if c.Collector.URL == "" {
		return fmt.Errorf("collector.url is required")
	}
	if c.Counter.Backend == "rest" && c.Counter.URL == "" {
		return fmt.Errorf("counter.url is required for the rest backend")
	}
	if c.Embedding.Provider == "genai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required (set GEMINI_API_KEY)")
	}
	if c.Scheduler.FanOutEvery <= 0 || c.Scheduler.MediumEvery <= 0 {
		return fmt.Errorf("scheduler thresholds must be positive")
	}
	return nil
}

// Duration parses a config duration string, falling back when empty or
// malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultPath returns the conventional config location under the workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".loom", "config.yaml")
}
