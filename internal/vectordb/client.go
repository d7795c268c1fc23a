// Package vectordb is a minimal Qdrant HTTP client backing the local
// knowledge base. Searches prefer the modern /points/query endpoint and fall
// back to /points/search for older servers.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/interceptors"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/tracing"
)

// Client talks to one Qdrant instance.
type Client struct {
	cfg    Config
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Documents == "" {
		cfg.Documents = "fathom_documents"
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewTaskHTTPRoundTripper(http.DefaultTransport),
	}
	return &Client{
		cfg:    cfg,
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", circuitbreaker.VectorDBConfig(), logger),
		logger: logger,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse is the nested shape the /points/query endpoint returns.
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (c *Client) search(ctx context.Context, collection string, vec []float32, limit int, threshold float64, filter map[string]interface{}) ([]qdrantPoint, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: search called while disabled")
	}
	start := time.Now()
	defer func() {
		metrics.VectorSearchDuration.WithLabelValues(collection).Observe(time.Since(start).Seconds())
	}()

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", fmt.Sprintf("%s/collections/%s/points/query", c.base, collection))
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, _ := json.Marshal(qdrantQueryRequest{
		Query:          vec,
		Limit:          limit,
		ScoreThreshold: thr,
		WithPayload:    true,
		Filter:         filter,
	})

	call := func(url string, body []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)
		return c.httpw.Do(req)
	}

	resp, err := call(fmt.Sprintf("%s/collections/%s/points/query", c.base, collection), buf)
	if err != nil {
		metrics.VectorSearches.WithLabelValues(collection, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if threshold > 0 {
			legacy["score_threshold"] = threshold
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err2 := call(fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), buf2)
		if err2 != nil {
			metrics.VectorSearches.WithLabelValues(collection, "error").Inc()
			return nil, fmt.Errorf("qdrant query/search failed: %w", err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			metrics.VectorSearches.WithLabelValues(collection, "error").Inc()
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var legacyResp qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&legacyResp); err != nil {
			metrics.VectorSearches.WithLabelValues(collection, "error").Inc()
			return nil, err
		}
		metrics.VectorSearches.WithLabelValues(collection, "ok").Inc()
		return legacyResp.Result, nil
	}

	var parsed qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		metrics.VectorSearches.WithLabelValues(collection, "error").Inc()
		return nil, err
	}
	metrics.VectorSearches.WithLabelValues(collection, "ok").Inc()
	return parsed.Result.Points, nil
}

// SearchDocuments finds knowledge base chunks similar to the embedding. A
// non-positive limit falls back to the configured TopK, a non-positive
// threshold to the configured default.
func (c *Client) SearchDocuments(ctx context.Context, embedding []float32, limit int, threshold float64) ([]Document, error) {
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}

	points, err := c.search(ctx, c.cfg.Documents, embedding, limit, threshold, nil)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(points))
	for _, point := range points {
		docs = append(docs, documentFromPoint(point))
	}
	return docs, nil
}

func documentFromPoint(point qdrantPoint) Document {
	doc := Document{Score: point.Score}
	if point.ID != nil {
		doc.ID = fmt.Sprintf("%v", point.ID)
	}

	for key, value := range point.Payload {
		switch key {
		case "title":
			doc.Title, _ = value.(string)
		case "content":
			doc.Content, _ = value.(string)
		case "source":
			doc.Source, _ = value.(string)
		default:
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]interface{})
			}
			doc.Metadata[key] = value
		}
	}
	return doc
}

// Upsert inserts or updates points in a collection.
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) (*UpsertResponse, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectordb: upsert called while disabled")
	}

	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	buf, _ := json.Marshal(map[string]interface{}{"points": points})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}

	var parsed UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// IndexDocument stores one knowledge base chunk with its embedding. A missing
// ID gets a fresh UUID.
func (c *Client) IndexDocument(ctx context.Context, embedding []float32, doc Document) (*UpsertResponse, error) {
	payload := map[string]interface{}{
		"title":   doc.Title,
		"content": doc.Content,
		"source":  doc.Source,
	}
	for key, value := range doc.Metadata {
		payload[key] = value
	}

	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}
	return c.Upsert(ctx, c.cfg.Documents, []UpsertItem{{
		ID:      id,
		Vector:  embedding,
		Payload: payload,
	}})
}

// Ping checks the Qdrant health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("vectordb: disabled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant health status %d", resp.StatusCode)
	}
	return nil
}
