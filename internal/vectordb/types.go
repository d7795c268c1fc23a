package vectordb

import (
	"fmt"
	"time"
)

// Config controls the Qdrant client.
type Config struct {
	Enabled   bool
	Host      string
	Port      int
	Documents string
	TopK      int
	Threshold float64
	Timeout   time.Duration
	// Expected embedding dimension, e.g. 1536 for text-embedding-3-small.
	// Zero skips the startup check.
	ExpectedEmbeddingDim int
}

// Document is one knowledge base chunk returned from similarity search.
type Document struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title"`
	Content  string                 `json:"content"`
	Source   string                 `json:"source"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// UpsertItem is a single point to insert into a collection.
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures the basic Qdrant upsert acknowledgement.
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// CollectionInfo holds basic information about a Qdrant collection.
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// DimensionMismatchError reports an embedding model whose output size does
// not match the collection schema.
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ActualDimension   int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection %s holds %d-dimensional vectors, expected %d; check the embedding model or recreate the collection",
		e.Collection, e.ActualDimension, e.ExpectedDimension)
}
