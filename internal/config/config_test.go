package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/policy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fathom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("FATHOM_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, db.DriverSQLite, cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Policy.Enabled)
	assert.Equal(t, policy.ModeOff, cfg.Policy.Mode)
	assert.Equal(t, 256, cfg.Session.MaxResident)
	assert.Equal(t, 256, cfg.Streaming.Capacity)
	assert.True(t, cfg.Search.Tavily.Enabled)
	assert.True(t, cfg.Search.Arxiv.Enabled)
	assert.False(t, cfg.Vector.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  addr: ":9090"
  read_timeout: 45s
logging:
  level: debug
  encoding: console
database:
  driver: postgres
  host: db.internal
  database: fathom
redis:
  enabled: true
  addr: redis.internal:6379
engine:
  plan_timeout: 2m
session:
  max_resident: 64
streaming:
  capacity: 128
  mirror: true
budget:
  task_budget: 150000
llm:
  provider: anthropic
  model: claude-3-5-sonnet-20241022
  fallbacks:
    - provider: openai
      model: gpt-4o-mini
search:
  tavily:
    enabled: true
    max_results: 8
  knowledge:
    enabled: true
vector:
  enabled: true
  host: qdrant.internal
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Encoding)
	assert.Equal(t, db.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Engine.PlanTimeout)
	assert.Equal(t, 64, cfg.Session.MaxResident)
	assert.Equal(t, 128, cfg.Streaming.Capacity)
	assert.True(t, cfg.Streaming.Mirror)
	assert.Equal(t, 150000, cfg.Budget.TaskBudget)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Len(t, cfg.LLM.Fallbacks, 1)
	assert.Equal(t, "openai", cfg.LLM.Fallbacks[0].Provider)
	assert.Equal(t, 8, cfg.Search.Tavily.MaxResults)
	assert.True(t, cfg.Search.Knowledge.Enabled)
	assert.True(t, cfg.Vector.Enabled)
	assert.Equal(t, "qdrant.internal", cfg.Vector.Host)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 300*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Session.SummaryTTL)
	assert.Equal(t, "basic", cfg.Search.Tavily.SearchDepth)
	assert.Equal(t, 6333, cfg.Vector.Port)
	assert.Equal(t, 30*time.Second, cfg.Engine.SearchTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FATHOM_CONFIG", "")
	t.Setenv("FATHOM_ENV", "staging")
	t.Setenv("FATHOM_ADDR", ":7000")
	t.Setenv("FATHOM_LOG_LEVEL", "warn")
	t.Setenv("FATHOM_DB_DRIVER", "postgres")
	t.Setenv("FATHOM_DB_HOST", "db.example.com")
	t.Setenv("FATHOM_DB_NAME", "fathom")
	t.Setenv("FATHOM_REDIS_ENABLED", "true")
	t.Setenv("FATHOM_REDIS_ADDR", "cache.example.com:6379")
	t.Setenv("FATHOM_LLM_PROVIDER", "deepseek")
	t.Setenv("FATHOM_TASK_BUDGET", "90000")
	t.Setenv("DEEPSEEK_API_KEY", "sk-unit-test")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, db.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "deepseek", cfg.LLM.Provider)
	assert.Equal(t, "sk-unit-test", cfg.LLM.APIKey)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, 90000, cfg.Budget.TaskBudget)

	// The policy environment tracks the service environment unless the
	// file pins it explicitly.
	assert.Equal(t, "staging", cfg.Policy.Environment)
}

func TestEnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\n")
	t.Setenv("FATHOM_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
}

func TestFallbackKeysFilledFromEnv(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: anthropic
  fallbacks:
    - provider: openai
    - provider: gemini
      api_key: from-file
`)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("OPENAI_API_KEY", "sk-oai")
	t.Setenv("GEMINI_API_KEY", "sk-gem")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant", cfg.LLM.APIKey)
	require.Len(t, cfg.LLM.Fallbacks, 2)
	assert.Equal(t, "sk-oai", cfg.LLM.Fallbacks[0].APIKey)
	assert.Equal(t, "from-file", cfg.LLM.Fallbacks[1].APIKey)
}

func TestExplicitMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMalformedFileErrors(t *testing.T) {
	path := writeConfig(t, "server: [not: a: map\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "qa" }, "unknown environment"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
		{"bad encoding", func(c *Config) { c.Logging.Encoding = "logfmt" }, "encoding"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database driver"},
		{"postgres without host", func(c *Config) { c.Database.Driver = db.DriverPostgres }, "postgres"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"bad policy mode", func(c *Config) { c.Policy.Mode = "audit" }, "policy mode"},
		{"rate limit without redis", func(c *Config) { c.RateLimit.Enabled = true }, "redis"},
		{"zero per minute", func(c *Config) {
			c.Redis.Enabled = true
			c.RateLimit.Enabled = true
			c.RateLimit.PerMinute = 0
		}, "per_minute"},
		{"threshold out of range", func(c *Config) { c.Budget.BackpressureThreshold = 1.5 }, "backpressure_threshold"},
		{"negative budget", func(c *Config) { c.Budget.TaskBudget = -1 }, "task_budget"},
		{"zero capacity", func(c *Config) { c.Streaming.Capacity = 0 }, "streaming.capacity"},
		{"knowledge without vector", func(c *Config) { c.Search.Knowledge.Enabled = true }, "vector"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestComponentConversions(t *testing.T) {
	cfg := Default()

	vc := cfg.Vector.ClientConfig()
	assert.Equal(t, 1536, vc.ExpectedEmbeddingDim)
	assert.Equal(t, "fathom_documents", vc.Documents)

	ec := cfg.Embeddings.ClientConfig("localhost:6379")
	assert.Equal(t, "text-embedding-3-small", ec.DefaultModel)
	assert.Equal(t, "localhost:6379", ec.RedisAddr)
	assert.True(t, ec.Chunking.Enabled)
	assert.Equal(t, 1800, ec.Chunking.MaxTokens)
	assert.Equal(t, 200, ec.Chunking.OverlapTokens)
}
