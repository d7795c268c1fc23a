package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
)

// Gemini talks to the Google generative language API.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func NewGemini(cfg Config, logger *zap.Logger) *Gemini {
	model := cfg.Model
	if model == "" {
		model = DefaultModel(ProviderGemini)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		http:    newHTTPWrapper(ProviderGemini, logger),
		logger:  logger,
	}
}

func (c *Gemini) Provider() string { return ProviderGemini }
func (c *Gemini) Model() string    { return c.model }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int     `json:"maxOutputTokens"`
		Temperature     float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Gemini) Generate(ctx context.Context, req Request) (_ *Result, err error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	start := time.Now()
	defer func() { observe(ProviderGemini, model, start, err) }()

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	body.GenerationConfig.MaxOutputTokens = req.maxTokens()
	body.GenerationConfig.Temperature = req.temperature()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)

	var resp geminiResponse
	if err = postJSON(ctx, c.http, ProviderGemini, url, http.Header{}, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		err = ErrEmptyResponse
		return nil, err
	}

	return &Result{
		Text: resp.Candidates[0].Content.Parts[0].Text,
		Usage: usageFor(ProviderGemini, model,
			resp.UsageMetadata.PromptTokenCount,
			resp.UsageMetadata.CandidatesTokenCount,
			resp.UsageMetadata.TotalTokenCount),
	}, nil
}
