package embeddings

import "time"

// Config controls the embedding service client.
type Config struct {
	// BaseURL points to the service providing POST /embeddings.
	BaseURL string
	// DefaultModel is used when a call names no model.
	DefaultModel string
	// Timeout bounds outbound HTTP calls.
	Timeout time.Duration
	// EnableRedis adds the shared Redis cache layer.
	EnableRedis bool
	// RedisAddr in host:port form when EnableRedis is set.
	RedisAddr string
	// CacheTTL bounds Redis cache entries.
	CacheTTL time.Duration
	// MaxLRU bounds the in-process cache.
	MaxLRU int
	// Chunking controls document splitting at ingest time.
	Chunking ChunkingConfig
}
