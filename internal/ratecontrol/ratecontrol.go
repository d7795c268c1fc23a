// Package ratecontrol answers how long to pace before calling a generation
// provider. Limits come from the rate_limits section of config/models.yaml;
// the parsed table is swapped atomically on reload.
package ratecontrol

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RateLimit caps a provider at requests and tokens per minute. Zero means no
// limit on that axis.
type RateLimit struct {
	RPM int
	TPM int
}

// builtin covers the public APIs' free-tier order of magnitude for providers
// the config file does not mention.
var builtin = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"gemini":    {RPM: 40, TPM: 80000},
	"deepseek":  {RPM: 50, TPM: 100000},
}

type limitTable struct {
	defaults  RateLimit
	overrides map[string]RateLimit
}

var (
	current  atomic.Pointer[limitTable]
	loadOnce sync.Once
)

type fileSchema struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultTPM        int `yaml:"default_tpm"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// locate returns the first readable models.yaml: the env override, the system
// path, then config/ directories walking up from the working directory.
func locate() (string, bool) {
	if p := os.Getenv("FATHOM_MODELS_CONFIG_PATH"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	if _, err := os.Stat("/etc/fathom/models.yaml"); err == nil {
		return "/etc/fathom/models.yaml", true
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			break
		}
		wd = parent
	}
	return "", false
}

func load() *limitTable {
	t := &limitTable{overrides: make(map[string]RateLimit)}
	path, ok := locate()
	if !ok {
		return t
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		zap.L().Warn("rate limit config unreadable, using built-in limits",
			zap.String("path", path), zap.Error(err))
		return t
	}
	t.defaults = RateLimit{RPM: f.RateLimits.DefaultRPM, TPM: f.RateLimits.DefaultTPM}
	for name, o := range f.RateLimits.ProviderOverrides {
		t.overrides[normalize(name)] = RateLimit{RPM: o.RPM, TPM: o.TPM}
	}
	zap.L().Debug("rate limits loaded",
		zap.String("path", path), zap.Int("overrides", len(t.overrides)))
	return t
}

func get() *limitTable {
	loadOnce.Do(func() {
		// Reload may already have populated the table.
		current.CompareAndSwap(nil, load())
	})
	return current.Load()
}

// Reload re-reads the limit table, typically on a models.yaml change.
func Reload() {
	current.Store(load())
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// LimitForProvider resolves a provider's limit: the config override wins even
// when zero (a config can deliberately unpace a provider), then the built-in
// table, then the config defaults.
func LimitForProvider(provider string) RateLimit {
	name := normalize(provider)
	t := get()
	if limit, ok := t.overrides[name]; ok {
		return limit
	}
	if limit, ok := builtin[name]; ok {
		return limit
	}
	return t.defaults
}

// DelayForRequest returns how long a caller should pace before issuing a
// request of the estimated size to the provider.
func DelayForRequest(provider string, estimatedTokens int) time.Duration {
	return delayForLimit(LimitForProvider(provider), estimatedTokens)
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if estimatedTokens < 0 {
		return 0
	}
	var ms float64
	if limit.RPM > 0 {
		ms = 60000 / float64(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		if tokMs := float64(estimatedTokens) * 60000 / float64(limit.TPM); tokMs > ms {
			ms = tokMs
		}
	}
	if ms <= 0 {
		return 0
	}
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}
