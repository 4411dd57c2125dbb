package llm

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
)

// Supported provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Config selects and parameterizes the model bound to a session.
type Config struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	LogLevel    string  `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Streaming   bool    `json:"streaming" yaml:"streaming"`
}

// DefaultConfig is used for fields a caller leaves empty.
var DefaultConfig = Config{
	Provider:    ProviderAnthropic,
	Model:       "claude-sonnet-4-20250514",
	Temperature: 1.0,
	MaxTokens:   4096,
	LogLevel:    "info",
	Streaming:   true,
}

// ParseModel splits a "provider/model" string. A model without a prefix
// keeps the given default provider.
func ParseModel(s, defaultProvider string) (provider, model string) {
	if p, m, ok := strings.Cut(s, "/"); ok {
		return strings.ToLower(p), m
	}
	return defaultProvider, s
}

// String returns the provider-prefixed model name.
func (c Config) String() string {
	return fmt.Sprintf("%s/%s", c.Provider, c.Model)
}

// WithDefaults fills empty fields from DefaultConfig. Streaming is an
// explicit choice and is never overridden.
func (c Config) WithDefaults() Config {
	streaming := c.Streaming
	if err := mergo.Merge(&c, DefaultConfig); err != nil {
		return c
	}
	c.Provider = strings.ToLower(c.Provider)
	c.Streaming = streaming
	return c
}
