package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/policy"
)

// candidatePaths are tried in order when no explicit path is given.
var candidatePaths = []string{
	"config/fathom.yaml",
	"fathom.yaml",
	"/etc/fathom/fathom.yaml",
}

// Resolve returns the config file Load would read for path: the explicit
// path itself, else $FATHOM_CONFIG, else the first standard location that
// exists, else empty.
func Resolve(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("FATHOM_CONFIG"); env != "" {
		return env
	}
	for _, candidate := range candidatePaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load builds the configuration. An explicit path must exist; an empty path
// searches the usual locations and falls back to pure defaults when nothing
// is found. Environment overrides apply last, so they win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved := Resolve(path)

	if resolved != "" {
		v := viper.New()
		v.SetConfigFile(resolved)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", resolved, err)
		}
		// Unmarshal only touches keys present in the file, so absent
		// sections keep their defaults.
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(cfg)
	fillCredentials(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps the FATHOM_* variables onto the deploy-varying
// knobs. The list is deliberately short; anything else belongs in the file.
func applyEnvOverrides(cfg *Config) {
	envStr("FATHOM_ENV", &cfg.Environment)
	envStr("FATHOM_ADDR", &cfg.Server.Addr)
	envStr("FATHOM_LOG_LEVEL", &cfg.Logging.Level)
	envStr("FATHOM_LOG_ENCODING", &cfg.Logging.Encoding)

	envStr("FATHOM_DB_DRIVER", &cfg.Database.Driver)
	envStr("FATHOM_DB_PATH", &cfg.Database.Path)
	envStr("FATHOM_DB_HOST", &cfg.Database.Host)
	envInt("FATHOM_DB_PORT", &cfg.Database.Port)
	envStr("FATHOM_DB_USER", &cfg.Database.User)
	envStr("FATHOM_DB_PASSWORD", &cfg.Database.Password)
	envStr("FATHOM_DB_NAME", &cfg.Database.Database)

	envBool("FATHOM_REDIS_ENABLED", &cfg.Redis.Enabled)
	envStr("FATHOM_REDIS_ADDR", &cfg.Redis.Addr)

	envBool("FATHOM_AUTH_ENABLED", &cfg.Auth.Enabled)
	envStr("FATHOM_JWT_SECRET", &cfg.Auth.JWTSecret)

	envBool("FATHOM_POLICY_ENABLED", &cfg.Policy.Enabled)
	if v := os.Getenv("FATHOM_POLICY_MODE"); v != "" {
		cfg.Policy.Mode = policy.Mode(v)
	}
	envStr("FATHOM_POLICY_PATH", &cfg.Policy.Path)

	envStr("FATHOM_LLM_PROVIDER", &cfg.LLM.Provider)
	envStr("FATHOM_LLM_MODEL", &cfg.LLM.Model)

	envBool("FATHOM_RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	envInt("FATHOM_RATELIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute)

	envInt("FATHOM_TASK_BUDGET", &cfg.Budget.TaskBudget)
	envDuration("FATHOM_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envBool("FATHOM_TRACING_ENABLED", &cfg.Tracing.Enabled)
	envStr("FATHOM_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)

	if cfg.Policy.Environment == "" || cfg.Policy.Environment == "dev" {
		cfg.Policy.Environment = cfg.Environment
	}
}

// fillCredentials resolves API keys left empty in the file from each
// provider's conventional environment variable, so secrets stay out of YAML.
func fillCredentials(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = providerKeyFromEnv(cfg.LLM.Provider)
	}
	for i := range cfg.LLM.Fallbacks {
		if cfg.LLM.Fallbacks[i].APIKey == "" {
			cfg.LLM.Fallbacks[i].APIKey = providerKeyFromEnv(cfg.LLM.Fallbacks[i].Provider)
		}
	}
	if cfg.Search.Tavily.APIKey == "" {
		cfg.Search.Tavily.APIKey = os.Getenv("TAVILY_API_KEY")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
}

func providerKeyFromEnv(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case llm.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case llm.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case llm.ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	case llm.ProviderDeepSeek:
		return os.Getenv("DEEPSEEK_API_KEY")
	default:
		return ""
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
