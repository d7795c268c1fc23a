package llm

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
)

const anthropicVersion = "2023-06-01"

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	apiKey  string
	model   string
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func NewAnthropic(cfg Config, logger *zap.Logger) *Anthropic {
	model := cfg.Model
	if model == "" {
		model = DefaultModel(ProviderAnthropic)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Anthropic{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		http:    newHTTPWrapper(ProviderAnthropic, logger),
		logger:  logger,
	}
}

func (c *Anthropic) Provider() string { return ProviderAnthropic }
func (c *Anthropic) Model() string    { return c.model }

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Anthropic) Generate(ctx context.Context, req Request) (_ *Result, err error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	start := time.Now()
	defer func() { observe(ProviderAnthropic, model, start, err) }()

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   req.maxTokens(),
		System:      req.System,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.temperature(),
	}

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	var resp anthropicResponse
	if err = postJSON(ctx, c.http, ProviderAnthropic, c.baseURL+"/v1/messages", header, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Content) == 0 {
		err = ErrEmptyResponse
		return nil, err
	}

	return &Result{
		Text:  resp.Content[0].Text,
		Usage: usageFor(ProviderAnthropic, model, resp.Usage.InputTokens, resp.Usage.OutputTokens, 0),
	}, nil
}
