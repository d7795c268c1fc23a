package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/models"
)

const (
	defaultTavilyBaseURL = "https://api.tavily.com"
	defaultTavilyDepth   = "advanced"
	defaultMaxResults    = 5
)

// TavilyConfig configures the hosted web search source.
type TavilyConfig struct {
	APIKey         string
	BaseURL        string
	MaxResults     int
	SearchDepth    string
	IncludeDomains []string
	ExcludeDomains []string
}

// Tavily searches the web through the Tavily API.
type Tavily struct {
	cfg    TavilyConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewTavily(cfg TavilyConfig, logger *zap.Logger) *Tavily {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTavilyBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = defaultTavilyDepth
	}
	return &Tavily{
		cfg:    cfg,
		http:   newHTTPWrapper(SourceTavily, logger),
		logger: logger,
	}
}

func (t *Tavily) Name() string { return SourceTavily }

type tavilyRequest struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results"`
	SearchDepth    string   `json:"search_depth"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
		RawContent    string  `json:"raw_content"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string) ([]models.Finding, error) {
	body, err := json.Marshal(tavilyRequest{
		Query:          query,
		MaxResults:     t.cfg.MaxResults,
		SearchDepth:    t.cfg.SearchDepth,
		IncludeDomains: t.cfg.IncludeDomains,
		ExcludeDomains: t.cfg.ExcludeDomains,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tavily status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	findings := make([]models.Finding, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		meta := map[string]interface{}{}
		if item.PublishedDate != "" {
			meta["published_date"] = item.PublishedDate
		}
		if item.RawContent != "" {
			meta["raw_content"] = item.RawContent
		}
		if len(meta) == 0 {
			meta = nil
		}
		findings = append(findings, models.Finding{
			Title:          item.Title,
			URL:            item.URL,
			Snippet:        item.Content,
			RelevanceScore: item.Score,
			Metadata:       meta,
		})
	}
	return findings, nil
}
