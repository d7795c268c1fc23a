// Package pricing converts token counts into USD using the pricing section of
// config/models.yaml. The parsed table is swapped atomically, so cost lookups
// on the request path never wait on a file read.
package pricing

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fathomlab/fathom/internal/metrics"
)

// fallbackPer1K prices models with no table entry at all.
const fallbackPer1K = 0.002

// rate holds per-token prices, already divided down from the per-1K file form.
type rate struct {
	input    float64
	output   float64
	combined float64
}

type table struct {
	defaultPerToken float64
	models          map[string]rate
}

var (
	current  atomic.Pointer[table]
	loadOnce sync.Once
)

type fileSchema struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]struct {
			InputPer1K    float64 `yaml:"input_per_1k"`
			OutputPer1K   float64 `yaml:"output_per_1k"`
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"models"`
	} `yaml:"pricing"`
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

// load parses the file into a fresh table. A missing or unreadable file
// yields a table holding only the built-in fallback rate. Models are keyed by
// bare model name; the provider nesting in the file is flattened away.
func load() *table {
	t := &table{
		defaultPerToken: fallbackPer1K / 1000.0,
		models:          make(map[string]rate),
	}
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
		zap.L().Warn("pricing config unreadable, using fallback rate",
			zap.String("path", path), zap.Error(err))
		return t
	}
	if d := f.Pricing.Defaults.CombinedPer1K; d > 0 {
		t.defaultPerToken = d / 1000.0
	}
	for provider, models := range f.Pricing.Models {
		for name, m := range models {
			if m.InputPer1K < 0 || m.OutputPer1K < 0 || m.CombinedPer1K < 0 {
				zap.L().Warn("negative price ignored",
					zap.String("provider", provider), zap.String("model", name))
				continue
			}
			t.models[name] = rate{
				input:    m.InputPer1K / 1000.0,
				output:   m.OutputPer1K / 1000.0,
				combined: m.CombinedPer1K / 1000.0,
			}
		}
	}
	zap.L().Debug("pricing table loaded",
		zap.String("path", path), zap.Int("models", len(t.models)))
	return t
}

func get() *table {
	loadOnce.Do(func() {
		// Reload may already have populated the table.
		current.CompareAndSwap(nil, load())
	})
	return current.Load()
}

// Reload re-reads the pricing table, typically on a models.yaml change.
func Reload() {
	current.Store(load())
}

// DefaultPerToken is the combined per-token rate for models without an entry.
func DefaultPerToken() float64 {
	return get().defaultPerToken
}

// PricePerTokenForModel collapses a model's prices to one combined per-token
// rate: the configured combined rate, or the mean of the directional rates.
func PricePerTokenForModel(model string) (float64, bool) {
	if model == "" {
		return 0, false
	}
	m, ok := get().models[model]
	if !ok {
		return 0, false
	}
	switch {
	case m.combined > 0:
		return m.combined, true
	case m.input > 0 && m.output > 0:
		return (m.input + m.output) / 2, true
	}
	return 0, false
}

// CostForTokens prices an undifferentiated token count.
func CostForTokens(model string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	if per, ok := PricePerTokenForModel(model); ok {
		return float64(tokens) * per
	}
	countFallback(model)
	return float64(tokens) * DefaultPerToken()
}

// CostForSplit prices a prompt/completion split, preferring directional rates
// when the model has both.
func CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	if m, ok := get().models[model]; ok {
		if m.input > 0 && m.output > 0 {
			return float64(inputTokens)*m.input + float64(outputTokens)*m.output
		}
		if m.combined > 0 {
			return float64(inputTokens+outputTokens) * m.combined
		}
	}
	countFallback(model)
	return float64(inputTokens+outputTokens) * DefaultPerToken()
}

func countFallback(model string) {
	reason := "unknown_model"
	if model == "" {
		reason = "missing_model"
	}
	metrics.PricingFallbacks.WithLabelValues(reason).Inc()
}
