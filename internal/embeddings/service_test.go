package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerateEmbeddingCachesResult(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"battery costs"}, req.Texts)
		assert.Equal(t, "text-embedding-3-small", req.Model)

		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.25, -0.5, 0.125}},
			"dimensions": 3,
			"model_used": "text-embedding-3-small",
		})
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())

	vec, err := s.GenerateEmbedding(context.Background(), "battery costs", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 0.125}, vec)

	again, err := s.GenerateEmbedding(context.Background(), "battery costs", "")
	require.NoError(t, err)
	assert.Equal(t, vec, again)
	assert.Equal(t, int32(1), calls.Load(), "second call must come from the LRU")
}

func TestGenerateBatchFetchesOnlyUncached(t *testing.T) {
	var gotTexts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotTexts = req.Texts

		embeddings := make([][]float64, len(req.Texts))
		for i := range embeddings {
			embeddings[i] = []float64{float64(i) + 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	s.lru.Set(context.Background(), MakeKey("text-embedding-3-small", "cached"), []float32{9}, time.Minute)

	vecs, err := s.GenerateBatchEmbeddings(context.Background(), []string{"cached", "fresh-a", "fresh-b"}, "")
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, []string{"fresh-a", "fresh-b"}, gotTexts)
	assert.Equal(t, []float32{9}, vecs[0])
	assert.Equal(t, []float32{1}, vecs[1])
	assert.Equal(t, []float32{2}, vecs[2])
}

func TestGenerateEmbeddingUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("model unknown"))
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := s.GenerateEmbedding(context.Background(), "anything", "made-up-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestGenerateEmbeddingCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{}})
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := s.GenerateEmbedding(context.Background(), "anything", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 embeddings for 1 texts")
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	lru.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = lru.Get(ctx, "b")
	assert.True(t, ok)
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}

func TestLocalLRUExpiry(t *testing.T) {
	lru := NewLocalLRU(4)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, -time.Second)
	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok, "expired entry should not be returned")
}

func TestChunkerShortTextSingleChunk(t *testing.T) {
	c := NewChunker(ChunkingConfig{MaxTokens: 10, OverlapTokens: 2})
	chunks := c.Split("a short piece of text")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short piece of text", chunks[0].Text)
	assert.Equal(t, 1, chunks[0].Total)
}

func TestChunkerOverlap(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = string(rune('a' + i%26))
	}
	text := strings.Join(words, " ")

	c := NewChunker(ChunkingConfig{MaxTokens: 10, OverlapTokens: 2})
	chunks := c.Split(text)
	require.True(t, len(chunks) > 1)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, len(chunks), chunk.Total)
	}

	// Consecutive chunks share the overlap window.
	first := strings.Fields(chunks[0].Text)
	second := strings.Fields(chunks[1].Text)
	assert.Equal(t, first[len(first)-2:], second[:2])
}

func TestMakeKeyDistinguishesModels(t *testing.T) {
	assert.NotEqual(t, MakeKey("model-a", "text"), MakeKey("model-b", "text"))
	assert.Equal(t, MakeKey("model-a", "text"), MakeKey("model-a", "text"))
}
