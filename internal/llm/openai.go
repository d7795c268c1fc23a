package llm

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
)

// OpenAI talks to the OpenAI chat completions API and to any provider that
// exposes the same wire format.
type OpenAI struct {
	provider string
	apiKey   string
	model    string
	baseURL  string
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = DefaultModel(ProviderOpenAI)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return newOpenAICompatible(ProviderOpenAI, cfg, logger)
}

func newOpenAICompatible(provider string, cfg Config, logger *zap.Logger) *OpenAI {
	return &OpenAI{
		provider: provider,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		baseURL:  cfg.BaseURL,
		http:     newHTTPWrapper(provider, logger),
		logger:   logger,
	}
}

func (c *OpenAI) Provider() string { return c.provider }
func (c *OpenAI) Model() string    { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *OpenAI) Generate(ctx context.Context, req Request) (_ *Result, err error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	start := time.Now()
	defer func() { observe(c.provider, model, start, err) }()

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.maxTokens(),
		Temperature: req.temperature(),
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	var resp chatResponse
	if err = postJSON(ctx, c.http, c.provider, c.baseURL+"/v1/chat/completions", header, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err = ErrEmptyResponse
		return nil, err
	}

	return &Result{
		Text:  resp.Choices[0].Message.Content,
		Usage: usageFor(c.provider, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens),
	}, nil
}
