package config

import (
	"fmt"
	"time"
)

// Config represents the engine configuration
type Config struct {
	// Executor settings
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Loop settings
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Plugins
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// LLM provider
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Stream service
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ExecutorConfig holds tool executor settings
type ExecutorConfig struct {
	DefaultTimeout  time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	TruncationLimit int           `json:"truncation_limit" mapstructure:"truncation_limit"`
}

// LoopConfig holds reasoning loop settings
type LoopConfig struct {
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default        string         `json:"default" mapstructure:"default"`
	ContextWindows map[string]int `json:"context_windows" mapstructure:"context_windows"`
	// SummarizeAt is the fraction of the context window that triggers
	// conversation summarization.
	SummarizeAt float64 `json:"summarize_at" mapstructure:"summarize_at"`
}

// ContextWindow returns the configured context window for a model,
// falling back to a conservative default.
func (m ModelsConfig) ContextWindow(model string) int {
	if w, ok := m.ContextWindows[model]; ok && w > 0 {
		return w
	}
	return 128000
}

// StoreConfig holds message store settings
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// PluginsConfig holds plugin discovery settings
type PluginsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// LLMConfig holds model provider credentials
type LLMConfig struct {
	Provider string `json:"provider" mapstructure:"provider"`
	// APIKey is usually supplied via LUMEN_LLM_API_KEY rather than the
	// config file.
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// StreamConfig holds the state stream service settings
type StreamConfig struct {
	// Addr enables the websocket stream server when non-empty.
	Addr string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			DefaultTimeout:  30 * time.Second,
			TruncationLimit: 16384,
		},
		Loop: LoopConfig{
			MaxIterations: 10,
		},
		Models: ModelsConfig{
			Default:        "gpt-4o-mini",
			ContextWindows: map[string]int{},
			SummarizeAt:    0.8,
		},
		LLM: LLMConfig{
			Provider: "openai",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("executor default_timeout must be positive")
	}
	if c.Executor.TruncationLimit <= 0 {
		return fmt.Errorf("executor truncation_limit must be positive")
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop max_iterations must be positive")
	}
	if c.Models.SummarizeAt <= 0 || c.Models.SummarizeAt > 1 {
		return fmt.Errorf("models summarize_at must be in (0, 1]")
	}
	for model, window := range c.Models.ContextWindows {
		if window <= 0 {
			return fmt.Errorf("context window for %s must be positive", model)
		}
	}
	return nil
}
