package llm

import (
	"context"
	"fmt"

	"github.com/posix4e/strudelcover/internal/config"
)

// NewClient builds the configured completion provider.
func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic", "":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.GetLLMTimeout(),
		}), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.LLM.Provider)
	}
}
