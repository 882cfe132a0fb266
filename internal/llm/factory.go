package llm

import (
	"fmt"
	"time"
)

// FactoryConfig selects and configures a provider.
type FactoryConfig struct {
	// Provider is "openai" or "anthropic".
	Provider    string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	OpenAI      OpenAIConfig
	Anthropic   AnthropicConfig
}

// NewCompleter creates the Completer named by cfg.Provider.
func NewCompleter(cfg FactoryConfig) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAI, cfg.Temperature, cfg.Timeout, cfg.MaxRetries), nil
	case "anthropic":
		if cfg.Anthropic.Model == "" {
			return nil, fmt.Errorf("anthropic provider requires a model")
		}
		return NewAnthropicProvider(cfg.Anthropic, cfg.Temperature, cfg.Timeout, cfg.MaxRetries), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
