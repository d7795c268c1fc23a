// Package llm provides single-shot text generation against hosted model
// providers. All providers share the same retry, pacing, and accounting
// behavior; only the wire format differs.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/fathomlab/fathom/internal/models"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderDeepSeek  = "deepseek"
)

const (
	defaultMaxTokens   = 2000
	defaultTemperature = 0.7
)

var ErrEmptyResponse = errors.New("provider returned no content")

// Request is a single-shot generation request. Model overrides the client
// default when set.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Result carries the generated text and token accounting for the call.
type Result struct {
	Text  string
	Usage models.TokenUsage
}

// Client generates text against one provider.
type Client interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Provider() string
	Model() string
}

// Config selects and authenticates a provider client.
type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

func (r *Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}

func (r *Request) temperature() float64 {
	if r.Temperature > 0 {
		return r.Temperature
	}
	return defaultTemperature
}

// DefaultModel returns the model used when a config names only a provider.
func DefaultModel(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return "claude-3-5-sonnet-20241022"
	case ProviderGemini:
		return "gemini-pro"
	case ProviderDeepSeek:
		return "deepseek-chat"
	default:
		return ""
	}
}

// DetectProvider infers the provider from a model name prefix. Returns ""
// when the model is not recognizable.
func DetectProvider(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1-"), strings.HasPrefix(m, "o3-"):
		return ProviderOpenAI
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(m, "deepseek"):
		return ProviderDeepSeek
	default:
		return ""
	}
}

// EstimateTokens gives a coarse token estimate for pacing decisions. Roughly
// four characters per token for English text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
