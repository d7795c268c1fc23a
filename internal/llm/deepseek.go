package llm

import (
	"go.uber.org/zap"
)

// NewDeepSeek returns a client for the DeepSeek API, which speaks the OpenAI
// chat completions format at its own base URL.
func NewDeepSeek(cfg Config, logger *zap.Logger) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = DefaultModel(ProviderDeepSeek)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	return newOpenAICompatible(ProviderDeepSeek, cfg, logger)
}
