package metadata

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// TLDPattern scores every domain ending with Suffix.
type TLDPattern struct {
	Suffix      string  `yaml:"suffix"`
	Score       float64 `yaml:"score"`
	Description string  `yaml:"description,omitempty"`
}

// DomainGroup scores a named set of known domains, including subdomains.
type DomainGroup struct {
	Category    string   `yaml:"category"`
	Score       float64  `yaml:"score"`
	Description string   `yaml:"description,omitempty"`
	Domains     []string `yaml:"domains"`
}

// CredibilityConfig holds the domain scoring rules used when ranking
// citations. A missing or unreadable config falls back to built-in rules.
type CredibilityConfig struct {
	Rules struct {
		TLDPatterns  []TLDPattern  `yaml:"tld_patterns"`
		DomainGroups []DomainGroup `yaml:"domain_groups"`
		DefaultScore float64       `yaml:"default_score"`
	} `yaml:"credibility_rules"`

	Diversity struct {
		MaxPerDomain int `yaml:"max_per_domain"`
	} `yaml:"diversity_rules"`
}

var (
	credibilityMu  sync.Mutex
	credibilityCfg *CredibilityConfig
)

func credibilityConfigPath() string {
	if p := os.Getenv("FATHOM_CREDIBILITY_CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range []string{
		"/etc/fathom/citation_credibility.yaml",
		"./config/citation_credibility.yaml",
		"../../config/citation_credibility.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadCredibilityConfig returns the scoring rules, loading them on first
// use. File problems are not fatal: scoring degrades to the built-in rules.
func LoadCredibilityConfig() *CredibilityConfig {
	credibilityMu.Lock()
	defer credibilityMu.Unlock()
	if credibilityCfg == nil {
		credibilityCfg = readCredibilityConfig()
	}
	return credibilityCfg
}

// ReloadCredibilityConfig rereads the rules, for tests and config watching.
func ReloadCredibilityConfig() {
	credibilityMu.Lock()
	defer credibilityMu.Unlock()
	credibilityCfg = readCredibilityConfig()
}

func readCredibilityConfig() *CredibilityConfig {
	path := credibilityConfigPath()
	if path == "" {
		return defaultCredibilityConfig()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultCredibilityConfig()
	}
	var parsed CredibilityConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return defaultCredibilityConfig()
	}
	return &parsed
}

func defaultCredibilityConfig() *CredibilityConfig {
	cfg := &CredibilityConfig{}
	cfg.Rules.TLDPatterns = []TLDPattern{
		{Suffix: ".edu", Score: 0.85},
		{Suffix: ".gov", Score: 0.80},
	}
	cfg.Rules.DomainGroups = []DomainGroup{
		{
			Category: "research",
			Score:    0.90,
			Domains:  []string{"arxiv.org", "nature.com", "science.org", "acm.org", "ieee.org"},
		},
		{
			Category: "reference",
			Score:    0.75,
			Domains:  []string{"wikipedia.org", "britannica.com"},
		},
	}
	cfg.Rules.DefaultScore = 0.60
	cfg.Diversity.MaxPerDomain = defaultMaxPerDomain
	return cfg
}
