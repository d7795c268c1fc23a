package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/embeddings"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/vectordb"
)

func TestTavilySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))

		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "solid state batteries", req.Query)
		assert.Equal(t, 5, req.MaxResults)
		assert.Equal(t, "advanced", req.SearchDepth)

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"title":          "Battery Breakthrough",
					"url":            "https://example.com/breakthrough",
					"content":        "A new electrolyte was announced.",
					"score":          0.93,
					"published_date": "2026-08-01",
				},
				{
					"title":   "Older Coverage",
					"url":     "https://example.org/old",
					"content": "Background reading.",
					"score":   0.41,
				},
			},
		})
	}))
	defer srv.Close()

	src := NewTavily(TavilyConfig{APIKey: "tvly-test", BaseURL: srv.URL}, zap.NewNop())
	findings, err := src.Search(context.Background(), "solid state batteries")
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "Battery Breakthrough", findings[0].Title)
	assert.Equal(t, "https://example.com/breakthrough", findings[0].URL)
	assert.Equal(t, "A new electrolyte was announced.", findings[0].Snippet)
	assert.InDelta(t, 0.93, findings[0].RelevanceScore, 1e-9)
	assert.Equal(t, "2026-08-01", findings[0].Metadata["published_date"])

	assert.Nil(t, findings[1].Metadata, "empty wire fields should not produce metadata keys")
}

func TestTavilyUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"query too short"}`))
	}))
	defer srv.Close()

	src := NewTavily(TavilyConfig{APIKey: "tvly-test", BaseURL: srv.URL}, zap.NewNop())
	_, err := src.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tavily status 400")
	assert.Contains(t, err.Error(), "query too short")
}

const arxivFeedFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:arxiv="http://arxiv.org/schemas/atom">
  <title type="html">ArXiv Query Results</title>
  <entry>
    <id>http://arxiv.org/abs/2408.13687v1</id>
    <updated>2024-08-25T10:30:00Z</updated>
    <published>2024-08-24T22:01:00Z</published>
    <title>Solid-State Batteries: A Survey of
  Manufacturing Challenges</title>
    <summary>  We survey recent progress in
  solid-state battery manufacturing.
</summary>
    <author><name>A. Researcher</name></author>
    <author><name>B. Author</name></author>
    <arxiv:comment>27 pages, 9 figures</arxiv:comment>
    <arxiv:doi>10.1000/demo.5555</arxiv:doi>
    <arxiv:primary_category term="cond-mat.mtrl-sci" scheme="http://arxiv.org/schemas/atom"/>
    <link href="http://arxiv.org/abs/2408.13687v1" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/2408.13687v1" rel="related" type="application/pdf"/>
    <category term="cond-mat.mtrl-sci" scheme="http://arxiv.org/terms/arxiv"/>
    <category term="physics.app-ph" scheme="http://arxiv.org/terms/arxiv"/>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/query", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "solid state batteries", q.Get("search_query"))
		assert.Equal(t, "0", q.Get("start"))
		assert.Equal(t, "5", q.Get("max_results"))
		assert.Equal(t, "relevance", q.Get("sortBy"))
		assert.Equal(t, "descending", q.Get("sortOrder"))

		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(arxivFeedFixture))
	}))
	defer srv.Close()

	src := NewArxiv(ArxivConfig{BaseURL: srv.URL}, zap.NewNop())
	findings, err := src.Search(context.Background(), "solid state batteries")
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "Solid-State Batteries: A Survey of Manufacturing Challenges", f.Title)
	assert.Equal(t, "http://arxiv.org/abs/2408.13687v1", f.URL)
	assert.Equal(t, "We survey recent progress in solid-state battery manufacturing.", f.Snippet)
	assert.Zero(t, f.RelevanceScore)

	assert.Equal(t, []string{"A. Researcher", "B. Author"}, f.Metadata["authors"])
	assert.Equal(t, "2024-08-24T22:01:00Z", f.Metadata["published"])
	assert.Equal(t, "2024-08-25T10:30:00Z", f.Metadata["updated"])
	assert.Equal(t, []string{"cond-mat.mtrl-sci", "physics.app-ph"}, f.Metadata["categories"])
	assert.Equal(t, "cond-mat.mtrl-sci", f.Metadata["primary_category"])
	assert.Equal(t, "http://arxiv.org/pdf/2408.13687v1", f.Metadata["pdf_url"])
	assert.Equal(t, "10.1000/demo.5555", f.Metadata["doi"])
	assert.Equal(t, "27 pages, 9 figures", f.Metadata["comment"])
}

func TestMCPSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/web_search", r.URL.Path)
		assert.Equal(t, "Bearer mcp-key", r.Header.Get("Authorization"))

		var params map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "grid storage costs", params["query"])

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"title":   "Cost Curve Analysis",
					"url":     "https://tool.example/cost",
					"snippet": "Costs fell 12% year over year.",
					"score":   0.8,
				},
				{
					"title":   "Raw Dump",
					"url":     "https://tool.example/dump",
					"content": "Fallback body text.",
				},
			},
		})
	}))
	defer srv.Close()

	src := NewMCP(MCPConfig{ServerURL: srv.URL + "/", APIKey: "mcp-key"}, zap.NewNop())
	findings, err := src.Search(context.Background(), "grid storage costs")
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "Costs fell 12% year over year.", findings[0].Snippet)
	assert.InDelta(t, 0.8, findings[0].RelevanceScore, 1e-9)
	assert.Equal(t, "Fallback body text.", findings[1].Snippet, "snippet should fall back to content")
}

func TestMCPListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]string{
				{"name": "web_search", "description": "general web search"},
				{"name": "patent_search", "description": "patent database"},
			},
		})
	}))
	defer srv.Close()

	src := NewMCP(MCPConfig{ServerURL: srv.URL}, zap.NewNop())
	tools, err := src.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "web_search", tools[0].Name)
	assert.Equal(t, "patent database", tools[1].Description)
}

type stubEmbedder struct {
	gotText  string
	gotModel string
	gotBatch []string
	vec      []float32
	err      error
	batchErr error
}

func (e *stubEmbedder) GenerateEmbedding(_ context.Context, text, model string) ([]float32, error) {
	e.gotText, e.gotModel = text, model
	return e.vec, e.err
}

func (e *stubEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string, model string) ([][]float32, error) {
	e.gotBatch, e.gotModel = texts, model
	if e.batchErr != nil {
		return nil, e.batchErr
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

type stubStore struct {
	gotLimit     int
	gotThreshold float64
	docs         []vectordb.Document
	indexed      []vectordb.Document
	err          error
}

func (s *stubStore) SearchDocuments(_ context.Context, _ []float32, limit int, threshold float64) ([]vectordb.Document, error) {
	s.gotLimit, s.gotThreshold = limit, threshold
	return s.docs, s.err
}

func (s *stubStore) IndexDocument(_ context.Context, _ []float32, doc vectordb.Document) (*vectordb.UpsertResponse, error) {
	s.indexed = append(s.indexed, doc)
	return &vectordb.UpsertResponse{Status: "ok"}, nil
}

func TestKnowledgeSearch(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{0.1, 0.2}}
	store := &stubStore{docs: []vectordb.Document{
		{
			ID:      "doc-1",
			Title:   "Internal Benchmark Notes",
			Content: strings.Repeat("x", 1500),
			Source:  "https://wiki.internal/benchmarks",
			Score:   0.88,
		},
		{
			ID:      "doc-2",
			Content: "Untitled chunk.",
			Source:  "reports/2025-q3.pdf",
			Score:   0.72,
		},
	}}

	src := NewKnowledge(KnowledgeConfig{Model: "text-embedding-3-small"}, embedder, store, zap.NewNop())
	findings, err := src.Search(context.Background(), "benchmark methodology")
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "benchmark methodology", embedder.gotText)
	assert.Equal(t, "text-embedding-3-small", embedder.gotModel)
	assert.Equal(t, 5, store.gotLimit)
	assert.InDelta(t, 0.7, store.gotThreshold, 1e-9)

	assert.Equal(t, "Internal Benchmark Notes", findings[0].Title)
	assert.Len(t, findings[0].Snippet, 1000, "long documents are truncated")
	assert.InDelta(t, 0.88, findings[0].RelevanceScore, 1e-9)

	assert.Equal(t, "reports/2025-q3.pdf", findings[1].Title, "title falls back to the document source")
	assert.Equal(t, "reports/2025-q3.pdf", findings[1].URL)
}

func TestKnowledgeEmbedderFailure(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embeddings unavailable")}
	src := NewKnowledge(KnowledgeConfig{}, embedder, &stubStore{}, zap.NewNop())

	_, err := src.Search(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestKnowledgeIngest(t *testing.T) {
	embedder := &stubEmbedder{}
	store := &stubStore{}
	cfg := KnowledgeConfig{
		Model: "text-embedding-3-small",
		Chunking: embeddings.ChunkingConfig{
			Enabled:       true,
			MaxTokens:     10,
			OverlapTokens: 2,
		},
	}
	src := NewKnowledge(cfg, embedder, store, zap.NewNop())

	words := make([]string, 25)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	doc := vectordb.Document{
		Title:    "Grid Storage Survey",
		Content:  strings.Join(words, " "),
		Source:   "surveys/grid-storage.md",
		Metadata: map[string]interface{}{"ingested_by": "ops"},
	}

	count, err := src.Ingest(context.Background(), doc)
	require.NoError(t, err)
	assert.Greater(t, count, 1, "long documents are split into multiple chunks")
	assert.Len(t, embedder.gotBatch, count, "all chunks are embedded in one batch")
	require.Len(t, store.indexed, count)

	first := store.indexed[0]
	assert.Equal(t, "Grid Storage Survey", first.Title)
	assert.Equal(t, "surveys/grid-storage.md", first.Source)
	assert.Equal(t, 1, first.Metadata["chunk"])
	assert.Equal(t, count, first.Metadata["chunks"])
	assert.Equal(t, "ops", first.Metadata["ingested_by"])

	last := store.indexed[count-1]
	assert.Equal(t, count, last.Metadata["chunk"])
}

func TestKnowledgeIngestShortDocument(t *testing.T) {
	embedder := &stubEmbedder{}
	store := &stubStore{}
	src := NewKnowledge(KnowledgeConfig{}, embedder, store, zap.NewNop())

	count, err := src.Ingest(context.Background(), vectordb.Document{
		Content: "short note",
		Source:  "notes/short.md",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, store.indexed, 1)
	assert.Nil(t, store.indexed[0].Metadata, "single-chunk documents keep their metadata untouched")
}

type stubSource struct {
	name     string
	findings []models.Finding
	err      error
	queries  []string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(_ context.Context, query string) ([]models.Finding, error) {
	s.queries = append(s.queries, query)
	return s.findings, s.err
}

func TestGatewayRoutesBySourceName(t *testing.T) {
	web := &stubSource{name: "web", findings: []models.Finding{{Title: "hit", URL: "https://example.com"}}}
	gw := NewGateway(zap.NewNop())
	gw.Register(web)

	findings, err := gw.Search(context.Background(), "demand forecast", " Web ")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []string{"demand forecast"}, web.queries)

	assert.True(t, gw.Has("web"))
	assert.False(t, gw.Has("paper"))
}

func TestGatewayUnknownSource(t *testing.T) {
	gw := NewGateway(zap.NewNop())

	_, err := gw.Search(context.Background(), "anything", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSource))

	var srcErr *models.EvidenceSourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "nope", srcErr.Source)
	assert.Equal(t, "anything", srcErr.Query)
}

func TestGatewayWrapsSourceFailure(t *testing.T) {
	upstream := errors.New("connection refused")
	gw := NewGateway(zap.NewNop())
	gw.Register(&stubSource{name: "web", err: upstream})

	_, err := gw.Search(context.Background(), "anything", "web")
	require.Error(t, err)
	assert.True(t, errors.Is(err, upstream), "cause must survive wrapping")

	var srcErr *models.EvidenceSourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "web", srcErr.Source)
}

func TestGatewaySourcesSorted(t *testing.T) {
	gw := NewGateway(zap.NewNop())
	gw.Register(&stubSource{name: "tavily"})
	gw.Register(&stubSource{name: "arxiv"})
	gw.Register(&stubSource{name: "mcp"})

	assert.Equal(t, []string{"arxiv", "mcp", "tavily"}, gw.Sources())
}
