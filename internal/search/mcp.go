package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/models"
)

const defaultMCPTool = "web_search"

// MCPConfig configures the tool-invocation protocol source. Tool names the
// server-side tool queries are routed to.
type MCPConfig struct {
	ServerURL string
	APIKey    string
	Tool      string
}

// MCP searches through an external tool server. The server decides what the
// tool actually does; this client only speaks the invocation protocol.
type MCP struct {
	cfg    MCPConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewMCP(cfg MCPConfig, logger *zap.Logger) *MCP {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.Tool == "" {
		cfg.Tool = defaultMCPTool
	}
	return &MCP{
		cfg:    cfg,
		http:   newHTTPWrapper(SourceMCP, logger),
		logger: logger,
	}
}

func (m *MCP) Name() string { return SourceMCP }

type mcpResult struct {
	Title    string                 `json:"title"`
	URL      string                 `json:"url"`
	Snippet  string                 `json:"snippet"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

type mcpResponse struct {
	Results []mcpResult `json:"results"`
}

// ToolInfo describes one tool advertised by the server.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (m *MCP) Search(ctx context.Context, query string) ([]models.Finding, error) {
	payload, err := m.ExecuteTool(ctx, m.cfg.Tool, map[string]interface{}{"query": query})
	if err != nil {
		return nil, err
	}

	var parsed mcpResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode mcp response: %w", err)
	}

	findings := make([]models.Finding, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		snippet := item.Snippet
		if snippet == "" {
			snippet = item.Content
		}
		findings = append(findings, models.Finding{
			Title:          item.Title,
			URL:            item.URL,
			Snippet:        snippet,
			RelevanceScore: item.Score,
			Metadata:       item.Metadata,
		})
	}
	return findings, nil
}

// ExecuteTool invokes an arbitrary tool and returns the raw response body.
func (m *MCP) ExecuteTool(ctx context.Context, tool string, params map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal tool params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.ServerURL+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mcp tool %s status %d: %s", tool, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return io.ReadAll(resp.Body)
}

// ListTools asks the server what tools it advertises.
func (m *MCP) ListTools(ctx context.Context) ([]ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ServerURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp tools status %d", resp.StatusCode)
	}

	var parsed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode mcp tools: %w", err)
	}
	return parsed.Tools, nil
}
