package config

import (
	"fmt"
)

// Config represents the main agentcore configuration
type Config struct {
	// Model provider
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	Model    string `json:"model" mapstructure:"model"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`

	// Sampling
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`

	// Loop behavior
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`

	// System prompt: inline text or a file watched for changes
	SystemPrompt     string `json:"system_prompt" mapstructure:"system_prompt"`
	SystemPromptFile string `json:"system_prompt_file" mapstructure:"system_prompt_file"`

	// Retry policy for model calls
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Metrics endpoint ("" disables)
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RetryConfig configures retry behavior for model invocations
type RetryConfig struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	MaxRetries  int  `json:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs int  `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int  `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	Jitter      bool `json:"jitter" mapstructure:"jitter"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds the WebSocket gateway configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Provider:      "anthropic",
		Model:         "claude-3-5-sonnet-20241022",
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxIterations: 10,
		Retry: RetryConfig{
			Enabled:     true,
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			Jitter:      true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    8790,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway shared secret is required when gateway is enabled")
		}
	}
	return nil
}
