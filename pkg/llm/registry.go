package llm

import (
	"fmt"
	"os"
	"time"
)

// ProviderType selects a provider implementation.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderMock      ProviderType = "mock"
)

// ProviderConfig is the provider-agnostic configuration.
type ProviderConfig struct {
	Type        ProviderType  `yaml:"type" json:"type"`
	Model       string        `yaml:"model" json:"model"`
	APIKey      string        `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Host        string        `yaml:"host,omitempty" json:"host,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	WebSearch   bool          `yaml:"web_search,omitempty" json:"web_search,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// SetDefaults fills the API key from the conventional environment variable
// when unset.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ProviderAnthropic
	}
	if c.APIKey == "" {
		switch c.Type {
		case ProviderAnthropic:
			c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case ProviderOpenAI:
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// NewProvider builds a Provider from config.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	cfg.SetDefaults()

	switch cfg.Type {
	case ProviderAnthropic:
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Host:        cfg.Host,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			WebSearch:   cfg.WebSearch,
			Timeout:     cfg.Timeout,
		})
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Host:        cfg.Host,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case ProviderMock:
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: anthropic, openai, mock)", cfg.Type)
	}
}
