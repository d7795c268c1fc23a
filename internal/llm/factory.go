package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// New builds a provider client from config. The provider name decides the
// wire format; a missing key fails here rather than on the first call.
func New(cfg Config, logger *zap.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" && cfg.Model != "" {
		provider = DetectProvider(cfg.Model)
	}
	if provider == "" {
		provider = ProviderOpenAI
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key required for provider %q", provider)
	}

	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg, logger), nil
	case ProviderAnthropic:
		return NewAnthropic(cfg, logger), nil
	case ProviderGemini:
		return NewGemini(cfg, logger), nil
	case ProviderDeepSeek:
		return NewDeepSeek(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// Fallback chains clients: each Generate tries them in order and returns the
// first success. Provider and model identity come from the primary.
type Fallback struct {
	clients []Client
	logger  *zap.Logger
}

func NewFallback(logger *zap.Logger, clients ...Client) (*Fallback, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("fallback chain needs at least one client")
	}
	return &Fallback{clients: clients, logger: logger}, nil
}

func (f *Fallback) Provider() string { return f.clients[0].Provider() }
func (f *Fallback) Model() string    { return f.clients[0].Model() }

func (f *Fallback) Generate(ctx context.Context, req Request) (*Result, error) {
	var lastErr error
	for i, c := range f.clients {
		res, err := c.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if i < len(f.clients)-1 {
			f.logger.Warn("Provider failed, trying fallback",
				zap.String("provider", c.Provider()),
				zap.String("next", f.clients[i+1].Provider()),
				zap.Error(err),
			)
		}
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}
