// Package config assembles the service configuration from three layers:
// built-in defaults, the fathom.yaml file, and FATHOM_* environment
// overrides, in that order. A Watcher re-reads the file on change so log
// levels, rate limits, and policies adjust without a restart.
package config

import (
	"fmt"
	"time"

	"github.com/fathomlab/fathom/internal/auth"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/embeddings"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/policy"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/tracing"
	"github.com/fathomlab/fathom/internal/vectordb"
	"github.com/fathomlab/fathom/internal/workflows"
)

// Config is the full service configuration tree. Component packages that
// already define their own config types (database, auth, policy, engine,
// tracing) are embedded directly; everything else gets a local section.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Database    db.Config        `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Auth        auth.Config      `mapstructure:"auth"`
	Policy      policy.Config    `mapstructure:"policy"`
	Engine      workflows.Config `mapstructure:"engine"`
	Session     SessionConfig    `mapstructure:"session"`
	Streaming   StreamingConfig  `mapstructure:"streaming"`
	Budget      BudgetConfig     `mapstructure:"budget"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Search      SearchConfig     `mapstructure:"search"`
	Vector      VectorSettings   `mapstructure:"vector"`
	Embeddings  EmbedSettings    `mapstructure:"embeddings"`
	Tracing     tracing.Config   `mapstructure:"tracing"`
}

// ServerConfig holds the HTTP listener settings. WriteTimeout stays zero
// because SSE and WebSocket responses are open-ended.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

// RedisConfig is shared by the session mirror, the event stream mirror, and
// the rate limiter. Disabled leaves all three purely in-process.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SessionConfig struct {
	// MaxResident caps finished tasks kept in memory for status queries.
	MaxResident int           `mapstructure:"max_resident"`
	SummaryTTL  time.Duration `mapstructure:"summary_ttl"`
}

type StreamingConfig struct {
	// Capacity is the per-task event ring; reconnects replay from it.
	Capacity     int           `mapstructure:"capacity"`
	Mirror       bool          `mapstructure:"mirror"`
	MirrorMaxLen int64         `mapstructure:"mirror_max_len"`
	MirrorTTL    time.Duration `mapstructure:"mirror_ttl"`
}

type BudgetConfig struct {
	// TaskBudget is the token ceiling per task; zero means unlimited.
	TaskBudget             int     `mapstructure:"task_budget"`
	BackpressureThreshold  float64 `mapstructure:"backpressure_threshold"`
	MaxBackpressureDelayMs int     `mapstructure:"max_backpressure_delay_ms"`
}

type RateLimitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	PerMinute int  `mapstructure:"per_minute"`
}

// LLMConfig names the primary model plus an ordered fallback chain. API keys
// left empty are filled from the provider's conventional environment
// variable at load time.
type LLMConfig struct {
	Provider  string             `mapstructure:"provider"`
	Model     string             `mapstructure:"model"`
	APIKey    string             `mapstructure:"api_key"`
	BaseURL   string             `mapstructure:"base_url"`
	Fallbacks []ProviderSettings `mapstructure:"fallbacks"`
}

type ProviderSettings struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

func (c LLMConfig) ClientConfig() llm.Config {
	return llm.Config{Provider: c.Provider, APIKey: c.APIKey, Model: c.Model, BaseURL: c.BaseURL}
}

func (p ProviderSettings) ClientConfig() llm.Config {
	return llm.Config{Provider: p.Provider, APIKey: p.APIKey, Model: p.Model, BaseURL: p.BaseURL}
}

// SearchConfig enables evidence sources. Each enabled source is registered
// on the gateway at startup.
type SearchConfig struct {
	Tavily    TavilySettings    `mapstructure:"tavily"`
	Arxiv     ArxivSettings     `mapstructure:"arxiv"`
	MCP       MCPSettings       `mapstructure:"mcp"`
	Knowledge KnowledgeSettings `mapstructure:"knowledge"`
}

type TavilySettings struct {
	Enabled        bool     `mapstructure:"enabled"`
	APIKey         string   `mapstructure:"api_key"`
	MaxResults     int      `mapstructure:"max_results"`
	SearchDepth    string   `mapstructure:"search_depth"`
	IncludeDomains []string `mapstructure:"include_domains"`
	ExcludeDomains []string `mapstructure:"exclude_domains"`
}

func (s TavilySettings) SourceConfig() search.TavilyConfig {
	return search.TavilyConfig{
		APIKey:         s.APIKey,
		MaxResults:     s.MaxResults,
		SearchDepth:    s.SearchDepth,
		IncludeDomains: s.IncludeDomains,
		ExcludeDomains: s.ExcludeDomains,
	}
}

type ArxivSettings struct {
	Enabled    bool   `mapstructure:"enabled"`
	MaxResults int    `mapstructure:"max_results"`
	SortBy     string `mapstructure:"sort_by"`
	SortOrder  string `mapstructure:"sort_order"`
}

func (s ArxivSettings) SourceConfig() search.ArxivConfig {
	return search.ArxivConfig{MaxResults: s.MaxResults, SortBy: s.SortBy, SortOrder: s.SortOrder}
}

type MCPSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
	APIKey    string `mapstructure:"api_key"`
	Tool      string `mapstructure:"tool"`
}

func (s MCPSettings) SourceConfig() search.MCPConfig {
	return search.MCPConfig{ServerURL: s.ServerURL, APIKey: s.APIKey, Tool: s.Tool}
}

type KnowledgeSettings struct {
	Enabled   bool    `mapstructure:"enabled"`
	Model     string  `mapstructure:"model"`
	TopK      int     `mapstructure:"top_k"`
	Threshold float64 `mapstructure:"threshold"`
}

func (s KnowledgeSettings) SourceConfig(chunking embeddings.ChunkingConfig) search.KnowledgeConfig {
	return search.KnowledgeConfig{Model: s.Model, TopK: s.TopK, Threshold: s.Threshold, Chunking: chunking}
}

type VectorSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Documents    string        `mapstructure:"documents"`
	TopK         int           `mapstructure:"top_k"`
	Threshold    float64       `mapstructure:"threshold"`
	Timeout      time.Duration `mapstructure:"timeout"`
	EmbeddingDim int           `mapstructure:"embedding_dim"`
}

func (s VectorSettings) ClientConfig() vectordb.Config {
	return vectordb.Config{
		Enabled:              s.Enabled,
		Host:                 s.Host,
		Port:                 s.Port,
		Documents:            s.Documents,
		TopK:                 s.TopK,
		Threshold:            s.Threshold,
		Timeout:              s.Timeout,
		ExpectedEmbeddingDim: s.EmbeddingDim,
	}
}

type EmbedSettings struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UseRedis     bool          `mapstructure:"use_redis"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxLRU       int           `mapstructure:"max_lru"`
	ChunkMax     int           `mapstructure:"chunk_max_tokens"`
	ChunkOverlap int           `mapstructure:"chunk_overlap_tokens"`
}

func (s EmbedSettings) Chunking() embeddings.ChunkingConfig {
	return embeddings.ChunkingConfig{Enabled: true, MaxTokens: s.ChunkMax, OverlapTokens: s.ChunkOverlap}
}

func (s EmbedSettings) ClientConfig(redisAddr string) embeddings.Config {
	return embeddings.Config{
		BaseURL:      s.BaseURL,
		DefaultModel: s.Model,
		Timeout:      s.Timeout,
		EnableRedis:  s.UseRedis,
		RedisAddr:    redisAddr,
		CacheTTL:     s.CacheTTL,
		MaxLRU:       s.MaxLRU,
		Chunking:     s.Chunking(),
	}
}

// Default returns the configuration used when no file and no environment
// overrides are present: a local single-binary setup with SQLite, no Redis,
// and policies off.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Database: db.DefaultConfig(),
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth:   auth.Config{},
		Policy: policy.DefaultConfig(),
		Engine: workflows.DefaultConfig(),
		Session: SessionConfig{
			MaxResident: 256,
			SummaryTTL:  24 * time.Hour,
		},
		Streaming: StreamingConfig{
			Capacity:     256,
			MirrorMaxLen: 512,
			MirrorTTL:    time.Hour,
		},
		Budget: BudgetConfig{
			BackpressureThreshold:  0.8,
			MaxBackpressureDelayMs: 5000,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 10,
		},
		LLM: LLMConfig{
			Provider: llm.ProviderOpenAI,
		},
		Search: SearchConfig{
			Tavily: TavilySettings{Enabled: true, MaxResults: 5, SearchDepth: "basic"},
			Arxiv:  ArxivSettings{Enabled: true, MaxResults: 10},
		},
		Vector: VectorSettings{
			Host:         "localhost",
			Port:         6333,
			Documents:    "fathom_documents",
			TopK:         5,
			Threshold:    0.7,
			Timeout:      5 * time.Second,
			EmbeddingDim: 1536,
		},
		Embeddings: EmbedSettings{
			Model:        "text-embedding-3-small",
			Timeout:      30 * time.Second,
			CacheTTL:     time.Hour,
			MaxLRU:       1024,
			ChunkMax:     1800,
			ChunkOverlap: 200,
		},
		Tracing: tracing.Config{
			ServiceName: "fathom",
		},
	}
}

var logLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate rejects configurations the service cannot run with. It returns
// the first problem found; later layers (db normalize, engine normalize)
// fill remaining gaps with defaults.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, ok := logLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		return fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding)
	}
	switch c.Database.Driver {
	case db.DriverSQLite:
	case db.DriverPostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("postgres driver requires database.host and database.database")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	switch c.Policy.Mode {
	case "", policy.ModeOff, policy.ModeDryRun, policy.ModeEnforce:
	default:
		return fmt.Errorf("unknown policy mode %q", c.Policy.Mode)
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit.per_minute must be at least 1, got %d", c.RateLimit.PerMinute)
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("rate limiting needs redis enabled")
	}
	if t := c.Budget.BackpressureThreshold; t < 0 || t > 1 {
		return fmt.Errorf("budget.backpressure_threshold must be within [0, 1], got %v", t)
	}
	if c.Budget.TaskBudget < 0 {
		return fmt.Errorf("budget.task_budget cannot be negative, got %d", c.Budget.TaskBudget)
	}
	if c.Streaming.Capacity < 1 {
		return fmt.Errorf("streaming.capacity must be at least 1, got %d", c.Streaming.Capacity)
	}
	if c.Search.Knowledge.Enabled && !c.Vector.Enabled {
		return fmt.Errorf("knowledge source needs vector enabled")
	}
	return nil
}
