package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig represents configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // Anthropic API key
	Model  string `yaml:"model,omitempty"`   // Model name for consolidation
}

// OllamaConfig represents configuration for a local Ollama instance.
type OllamaConfig struct {
	Host           string `yaml:"host,omitempty"`            // Ollama host (default: "http://localhost:11434")
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
}

// OpenAIConfig represents configuration for the OpenAI provider. BaseURL
// allows any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`         // OpenAI API key
	BaseURL        string `yaml:"base_url,omitempty"`        // Custom base URL (default: official API)
	Model          string `yaml:"model,omitempty"`           // Model name for consolidation
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
}

// MemoryConfig holds the tuning knobs for the memory engine.
type MemoryConfig struct {
	RawThreshold       int `yaml:"raw_threshold,omitempty"`        // raw_count at which Raw consolidation triggers
	RawBatchSize       int `yaml:"raw_batch_size,omitempty"`       // max RAW records consumed per consolidation
	RawMinBatch        int `yaml:"raw_min_batch,omitempty"`        // minimum batch worth summarizing
	InsightThreshold   int `yaml:"insight_threshold,omitempty"`    // insight_count at which Profile consolidation triggers
	InsightBatchSize   int `yaml:"insight_batch_size,omitempty"`   // max insights read per profile consolidation
	InsightMinBatch    int `yaml:"insight_min_batch,omitempty"`    // minimum insights worth consolidating
	InsightResetBuffer int `yaml:"insight_reset_buffer,omitempty"` // insight_count value after profile consolidation

	InsightK     int `yaml:"insight_k,omitempty"`     // insights retrieved per turn
	RecentWindow int `yaml:"recent_window,omitempty"` // recent RAW records retrieved per turn

	SummarizerTimeout int    `yaml:"summarizer_timeout,omitempty"` // per-call timeout in seconds
	SummarizerTokens  int    `yaml:"summarizer_tokens,omitempty"`  // max tokens per summarizer call
	ReconcileSchedule string `yaml:"reconcile_schedule,omitempty"` // cron spec for counter reconciliation
}

// Config is the daemon configuration.
type Config struct {
	// Summarizer selects the consolidation LLM: "openai" or "anthropic".
	Summarizer string `yaml:"summarizer,omitempty"`
	// Embedder selects the embedding provider: "openai" or "ollama".
	Embedder string `yaml:"embedder,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`

	Memory MemoryConfig `yaml:"memory,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via EVERMIND_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("EVERMIND_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.evermind/config.yaml"
	}
	return filepath.Join(homeDir, ".evermind", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Summarizer: "openai",
		Embedder:   "openai",
		Anthropic: AnthropicConfig{
			Model: "claude-3-5-haiku-latest",
		},
		Ollama: OllamaConfig{
			Host:           "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Memory: MemoryConfig{
			RawThreshold:       10,
			RawBatchSize:       10,
			RawMinBatch:        3,
			InsightThreshold:   10,
			InsightBatchSize:   20,
			InsightMinBatch:    5,
			InsightResetBuffer: 2,
			InsightK:           5,
			RecentWindow:       5,
			SummarizerTimeout:  60,
			SummarizerTokens:   1024,
			ReconcileSchedule:  "@every 15m",
		},
	}
}

// Load loads configuration from the given path, merged onto defaults.
// A missing file is not an error; environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}

		var fileConfig Config
		if err := yaml.Unmarshal(configYAML, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}

		if err := mergo.Merge(&cfg, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides maps EVERMIND_* environment variables onto the config.
// Env values take precedence over both defaults and the config file.
func applyEnvOverrides(cfg *Config) {
	setIfEnv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIfEnv(&cfg.Summarizer, "EVERMIND_SUMMARIZER")
	setIfEnv(&cfg.Embedder, "EVERMIND_EMBEDDER")
	setIfEnv(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setIfEnv(&cfg.OpenAI.APIKey, "EVERMIND_OPENAI_API_KEY")
	setIfEnv(&cfg.OpenAI.BaseURL, "EVERMIND_OPENAI_BASE_URL")
	setIfEnv(&cfg.OpenAI.Model, "EVERMIND_OPENAI_MODEL")
	setIfEnv(&cfg.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setIfEnv(&cfg.Anthropic.APIKey, "EVERMIND_ANTHROPIC_API_KEY")
	setIfEnv(&cfg.Anthropic.Model, "EVERMIND_ANTHROPIC_MODEL")
	setIfEnv(&cfg.Ollama.Host, "EVERMIND_OLLAMA_HOST")
}

// Validate checks that the selected providers are usable.
func (c *Config) Validate() error {
	switch c.Summarizer {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("summarizer %q requires an OpenAI API key", c.Summarizer)
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("summarizer %q requires an Anthropic API key", c.Summarizer)
		}
	default:
		return fmt.Errorf("unknown summarizer provider %q", c.Summarizer)
	}

	switch c.Embedder {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("embedder %q requires an OpenAI API key", c.Embedder)
		}
	case "ollama":
		if c.Ollama.EmbeddingModel == "" {
			return fmt.Errorf("embedder %q requires an embedding model", c.Embedder)
		}
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder)
	}

	m := c.Memory
	if m.RawBatchSize < m.RawMinBatch {
		return fmt.Errorf("raw_batch_size %d is below raw_min_batch %d", m.RawBatchSize, m.RawMinBatch)
	}
	if m.InsightBatchSize < m.InsightMinBatch {
		return fmt.Errorf("insight_batch_size %d is below insight_min_batch %d", m.InsightBatchSize, m.InsightMinBatch)
	}
	if m.InsightResetBuffer >= m.InsightThreshold {
		return fmt.Errorf("insight_reset_buffer %d must be below insight_threshold %d", m.InsightResetBuffer, m.InsightThreshold)
	}
	return nil
}

// Save writes the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
