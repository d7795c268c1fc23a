package embeddings

import "strings"

// ChunkingConfig controls how long documents are split before embedding.
// Counts are words; embedding token counts run roughly 1.3x the word count.
type ChunkingConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxTokens     int  `yaml:"max_tokens"`
	OverlapTokens int  `yaml:"overlap_tokens"`
}

func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Enabled:       true,
		MaxTokens:     1800,
		OverlapTokens: 200,
	}
}

// Chunk is one piece of a split document.
type Chunk struct {
	Text  string
	Index int
	Total int
}

// Chunker splits text into overlapping windows.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

func NewChunker(config ChunkingConfig) *Chunker {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1800
	}
	if config.OverlapTokens <= 0 {
		config.OverlapTokens = 200
	}
	return &Chunker{
		maxTokens:     config.MaxTokens,
		overlapTokens: config.OverlapTokens,
	}
}

// Split cuts text into overlapping chunks. Text that fits in one window comes
// back as a single chunk, so callers can always range over the result.
func (c *Chunker) Split(text string) []Chunk {
	words := strings.Fields(text)
	if len(words) <= c.maxTokens {
		return []Chunk{{Text: strings.Join(words, " "), Index: 0, Total: 1}}
	}

	step := c.maxTokens - c.overlapTokens
	if step <= 0 {
		step = c.maxTokens / 2
	}

	var chunks []Chunk
	for i := 0; i < len(words); i += step {
		end := i + c.maxTokens
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			Text:  strings.Join(words[i:end], " "),
			Index: len(chunks),
		})
		if end == len(words) {
			break
		}
	}

	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}
