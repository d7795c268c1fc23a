package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/embeddings"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/vectordb"
)

const (
	defaultKnowledgeTopK      = 5
	defaultKnowledgeThreshold = 0.7
	maxDocumentChars          = 1000
)

// Embedder produces vectors for retrieval and ingest.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// DocumentStore holds the knowledge base chunks.
type DocumentStore interface {
	SearchDocuments(ctx context.Context, embedding []float32, limit int, threshold float64) ([]vectordb.Document, error)
	IndexDocument(ctx context.Context, embedding []float32, doc vectordb.Document) (*vectordb.UpsertResponse, error)
}

// KnowledgeConfig configures local knowledge base retrieval.
type KnowledgeConfig struct {
	Model     string
	TopK      int
	Threshold float64
	Chunking  embeddings.ChunkingConfig
}

// Knowledge retrieves evidence from the local knowledge base instead of the
// open web. Registered only when the deployment has one.
type Knowledge struct {
	cfg      KnowledgeConfig
	embedder Embedder
	store    DocumentStore
	chunker  *embeddings.Chunker
	logger   *zap.Logger
}

func NewKnowledge(cfg KnowledgeConfig, embedder Embedder, store DocumentStore, logger *zap.Logger) *Knowledge {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultKnowledgeTopK
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultKnowledgeThreshold
	}
	return &Knowledge{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		chunker:  embeddings.NewChunker(cfg.Chunking),
		logger:   logger,
	}
}

func (k *Knowledge) Name() string { return SourceKnowledge }

func (k *Knowledge) Search(ctx context.Context, query string) ([]models.Finding, error) {
	embedding, err := k.embedder.GenerateEmbedding(ctx, query, k.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	docs, err := k.store.SearchDocuments(ctx, embedding, k.cfg.TopK, k.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}

	findings := make([]models.Finding, 0, len(docs))
	for _, doc := range docs {
		title := doc.Title
		if title == "" {
			title = doc.Source
		}
		findings = append(findings, models.Finding{
			Title:          title,
			URL:            doc.Source,
			Snippet:        truncateChars(doc.Content, maxDocumentChars),
			RelevanceScore: doc.Score,
			Metadata:       doc.Metadata,
		})
	}
	return findings, nil
}

// Ingest splits a document, embeds the chunks in one batch, and stores each
// chunk as its own retrievable entry. Returns the number of chunks written.
func (k *Knowledge) Ingest(ctx context.Context, doc vectordb.Document) (int, error) {
	chunks := k.chunker.Split(doc.Content)
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := k.embedder.GenerateBatchEmbeddings(ctx, texts, k.cfg.Model)
	if err != nil {
		return 0, fmt.Errorf("embed document: %w", err)
	}

	for i, chunk := range chunks {
		entry := vectordb.Document{
			Title:   doc.Title,
			Content: chunk.Text,
			Source:  doc.Source,
		}
		if len(chunks) > 1 {
			entry.Metadata = map[string]interface{}{
				"chunk":  chunk.Index + 1,
				"chunks": chunk.Total,
			}
			for key, value := range doc.Metadata {
				entry.Metadata[key] = value
			}
		} else {
			entry.Metadata = doc.Metadata
		}

		if _, err := k.store.IndexDocument(ctx, vectors[i], entry); err != nil {
			return i, fmt.Errorf("index chunk %d/%d: %w", chunk.Index+1, chunk.Total, err)
		}
	}

	k.logger.Info("Document ingested",
		zap.String("source", doc.Source),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

func truncateChars(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
