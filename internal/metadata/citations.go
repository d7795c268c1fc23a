// Package metadata builds citation lists and usage summaries from the raw
// material a task accumulates: search evidence and per-agent token usage.
package metadata

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

const (
	// DefaultMaxCitations caps the reference list of a report.
	DefaultMaxCitations = 50

	// MaxSnippetRunes bounds the snippet carried on each citation.
	MaxSnippetRunes = 300

	defaultMaxPerDomain = 3
)

// Citation is one referenced source in a report, identified by its 1-based
// position in the final ranked list. The URL is stored in normalized form.
type Citation struct {
	ID               int        `json:"id"`
	URL              string     `json:"url"`
	Title            string     `json:"title"`
	Domain           string     `json:"domain"`
	Source           string     `json:"source"`
	SubTaskID        int        `json:"sub_task_id"`
	Snippet          string     `json:"snippet,omitempty"`
	PublishedDate    *time.Time `json:"published_date,omitempty"`
	RetrievedAt      time.Time  `json:"retrieved_at"`
	RelevanceScore   float64    `json:"relevance_score"`
	QualityScore     float64    `json:"quality_score"`
	CredibilityScore float64    `json:"credibility_score"`
}

// DomainCount pairs a domain with how many citations it contributed.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// CitationStats summarizes the final citation list for task metadata.
type CitationStats struct {
	TotalSources     int            `json:"total_sources"`
	UniqueDomains    int            `json:"unique_domains"`
	AvgQuality       float64        `json:"avg_quality"`
	AvgCredibility   float64        `json:"avg_credibility"`
	SourceDiversity  float64        `json:"source_diversity"`
	DuplicatesMerged int            `json:"duplicates_merged"`
	TopDomains       []DomainCount  `json:"top_domains,omitempty"`
	PerSourceCount   map[string]int `json:"per_source_count,omitempty"`
}

// CollectCitations flattens search evidence into a deduplicated, ranked
// citation list. Failed searches and findings without a parseable URL are
// skipped. Duplicates (by normalized URL, or DOI when one can be extracted)
// are merged keeping the best scores, then per-domain diversity is enforced
// and the list is cut to maxCitations ordered by quality * credibility.
// IDs are assigned after ranking, so they match the formatted list.
func CollectCitations(evidence []models.SearchResult, now time.Time, maxCitations int) ([]Citation, CitationStats) {
	if maxCitations <= 0 {
		maxCitations = DefaultMaxCitations
	}

	var raw []Citation
	for _, result := range evidence {
		if result.Error != "" {
			continue
		}
		for _, finding := range result.Findings {
			c, ok := citationFromFinding(result, finding, now)
			if !ok {
				continue
			}
			raw = append(raw, c)
		}
	}

	deduped := mergeDuplicates(raw)
	merged := len(raw) - len(deduped)

	cfg := LoadCredibilityConfig()
	maxPerDomain := cfg.Diversity.MaxPerDomain
	if maxPerDomain <= 0 {
		maxPerDomain = defaultMaxPerDomain
	}
	diverse := enforceDiversity(deduped, maxPerDomain)

	final := rankAndLimit(diverse, maxCitations)
	for i := range final {
		final[i].ID = i + 1
	}

	stats := citationStats(final)
	stats.DuplicatesMerged = merged
	return final, stats
}

func citationFromFinding(result models.SearchResult, finding models.Finding, now time.Time) (Citation, bool) {
	if strings.TrimSpace(finding.URL) == "" {
		return Citation{}, false
	}
	normalized, err := NormalizeURL(finding.URL)
	if err != nil || normalized == "" {
		return Citation{}, false
	}
	domain, err := ExtractDomain(normalized)
	if err != nil || domain == "" {
		return Citation{}, false
	}

	title := sanitizeTitle(finding.Title, normalized, domain)
	snippet := truncateRunes(strings.TrimSpace(finding.Snippet), MaxSnippetRunes)
	published := publishedAt(finding.Metadata)

	relevance := finding.RelevanceScore
	if relevance <= 0 {
		relevance = 0.5
	} else if relevance > 1 {
		relevance = 1
	}

	retrieved := result.Timestamp
	if retrieved.IsZero() {
		retrieved = now
	}

	return Citation{
		URL:              normalized,
		Title:            title,
		Domain:           domain,
		Source:           result.Source,
		SubTaskID:        result.SubTaskID,
		Snippet:          snippet,
		PublishedDate:    published,
		RetrievedAt:      retrieved,
		RelevanceScore:   relevance,
		QualityScore:     ScoreQuality(relevance, published, title != "", snippet != "", now),
		CredibilityScore: ScoreCredibility(domain),
	}, true
}

// publishedAt reads a publication date from finding metadata. Web sources set
// "published_date", academic feeds set "published", both as RFC 3339 or a
// plain date.
func publishedAt(meta map[string]interface{}) *time.Time {
	if meta == nil {
		return nil
	}
	s, _ := meta["published_date"].(string)
	if s == "" {
		s, _ = meta["published"].(string)
	}
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// NormalizeURL canonicalizes a URL for deduplication and display: lowercase
// scheme and host, no www prefix, no fragment, no tracking query parameters,
// no trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Host = strings.TrimPrefix(parsed.Host, "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid", "ref",
		} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host without port or www prefix,
// keeping other subdomains: "https://blog.example.com:8443/x" -> "blog.example.com".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host)
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www."), nil
}

// ScoreQuality combines relevance (70%), recency (30%) and a small
// completeness bonus into a 0..1 score. Recency decays in steps: under a
// week scores 1.0, under a month 0.7, under ninety days 0.4, older or
// undated 0.2.
func ScoreQuality(relevance float64, publishedDate *time.Time, hasTitle, hasSnippet bool, now time.Time) float64 {
	score := relevance * 0.7

	recency := 0.2
	if publishedDate != nil {
		age := now.Sub(*publishedDate).Hours() / 24
		switch {
		case age < 7:
			recency = 1.0
		case age < 30:
			recency = 0.7
		case age < 90:
			recency = 0.4
		}
	}
	score += recency * 0.3

	if publishedDate != nil {
		score += 0.033
	}
	if hasTitle {
		score += 0.033
	}
	if hasSnippet {
		score += 0.034
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ScoreCredibility rates a domain from the credibility rules: TLD patterns
// first, then known domain groups (exact host or subdomain), then the
// configured default.
func ScoreCredibility(domain string) float64 {
	cfg := LoadCredibilityConfig()
	domain = strings.ToLower(domain)

	for _, pattern := range cfg.Rules.TLDPatterns {
		if strings.HasSuffix(domain, pattern.Suffix) {
			return pattern.Score
		}
	}
	for _, group := range cfg.Rules.DomainGroups {
		for _, known := range group.Domains {
			known = strings.ToLower(known)
			if domain == known || strings.HasSuffix(domain, "."+known) {
				return group.Score
			}
		}
	}
	if cfg.Rules.DefaultScore > 0 {
		return cfg.Rules.DefaultScore
	}
	return 0.60
}

// SourceDiversity is unique domains over total citations, 0..1.
func SourceDiversity(citations []Citation) float64 {
	if len(citations) == 0 {
		return 0
	}
	domains := make(map[string]struct{})
	for _, c := range citations {
		domains[c.Domain] = struct{}{}
	}
	return float64(len(domains)) / float64(len(citations))
}

var doiPattern = regexp.MustCompile(`(?i)10\.[0-9]{4,9}/[-._;()/:A-Z0-9]+`)

// dedupeKey prefers a DOI over the normalized URL so the same paper reached
// through different mirrors collapses to one citation.
func dedupeKey(c Citation) string {
	if parsed, err := url.Parse(c.URL); err == nil {
		if doi := extractDOI(parsed); doi != "" {
			return "doi:" + strings.ToLower(doi)
		}
	}
	return c.URL
}

func extractDOI(u *url.URL) string {
	if strings.Contains(strings.ToLower(u.Host), "doi.org") {
		if doi := strings.Trim(u.Path, "/"); doi != "" {
			return doi
		}
	}
	if q := u.Query().Get("doi"); q != "" {
		return q
	}
	return doiPattern.FindString(u.Path)
}

func mergeDuplicates(citations []Citation) []Citation {
	index := make(map[string]int)
	var out []Citation

	for _, c := range citations {
		key := dedupeKey(c)
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, c)
			continue
		}
		kept := &out[i]
		if c.QualityScore > kept.QualityScore {
			kept.QualityScore = c.QualityScore
		}
		if c.CredibilityScore > kept.CredibilityScore {
			kept.CredibilityScore = c.CredibilityScore
		}
		if c.RelevanceScore > kept.RelevanceScore {
			kept.RelevanceScore = c.RelevanceScore
		}
		if kept.Title == "" && c.Title != "" {
			kept.Title = c.Title
		}
		if kept.Snippet == "" && c.Snippet != "" {
			kept.Snippet = c.Snippet
		}
		if kept.PublishedDate == nil && c.PublishedDate != nil {
			kept.PublishedDate = c.PublishedDate
		}
	}
	return out
}

// enforceDiversity keeps at most maxPerDomain citations per domain, best
// scored first.
func enforceDiversity(citations []Citation, maxPerDomain int) []Citation {
	sorted := make([]Citation, len(citations))
	copy(sorted, citations)
	sortByScore(sorted)

	counts := make(map[string]int)
	var out []Citation
	for _, c := range sorted {
		if counts[c.Domain] >= maxPerDomain {
			continue
		}
		counts[c.Domain]++
		out = append(out, c)
	}
	return out
}

func rankAndLimit(citations []Citation, limit int) []Citation {
	sorted := make([]Citation, len(citations))
	copy(sorted, citations)
	sortByScore(sorted)
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func sortByScore(citations []Citation) {
	sort.SliceStable(citations, func(i, j int) bool {
		return citations[i].QualityScore*citations[i].CredibilityScore >
			citations[j].QualityScore*citations[j].CredibilityScore
	})
}

func citationStats(citations []Citation) CitationStats {
	if len(citations) == 0 {
		return CitationStats{}
	}

	domainCounts := make(map[string]int)
	perSource := make(map[string]int)
	var totalQuality, totalCredibility float64
	for _, c := range citations {
		domainCounts[c.Domain]++
		if c.Source != "" {
			perSource[c.Source]++
		}
		totalQuality += c.QualityScore
		totalCredibility += c.CredibilityScore
	}

	top := make([]DomainCount, 0, len(domainCounts))
	for d, n := range domainCounts {
		top = append(top, DomainCount{Domain: d, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Domain < top[j].Domain
	})
	if len(top) > 10 {
		top = top[:10]
	}

	return CitationStats{
		TotalSources:    len(citations),
		UniqueDomains:   len(domainCounts),
		AvgQuality:      totalQuality / float64(len(citations)),
		AvgCredibility:  totalCredibility / float64(len(citations)),
		SourceDiversity: SourceDiversity(citations),
		TopDomains:      top,
		PerSourceCount:  perSource,
	}
}

// FormatCitationList renders the reference list consumed by report
// formatting, one "[n] Title - domain - URL" line per citation.
func FormatCitationList(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.Domain
		}
		fmt.Fprintf(&b, "[%d] %s - %s - %s\n", c.ID, title, c.Domain, c.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatCitationContext renders citations as prompt context so generated
// prose can reference sources by their [n] markers.
func FormatCitationContext(citations []Citation, maxSnippetRunes int) string {
	if maxSnippetRunes <= 0 {
		maxSnippetRunes = MaxSnippetRunes
	}
	var b strings.Builder
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.Domain
		}
		fmt.Fprintf(&b, "[%d] %s (%s)", c.ID, title, c.Domain)
		if c.Snippet != "" {
			fmt.Fprintf(&b, ": %s", truncateRunes(c.Snippet, maxSnippetRunes))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// sanitizeTitle repairs titles from sources that return placeholder or bot
// challenge pages. arXiv URLs fall back to their identifier.
func sanitizeTitle(title, rawURL, domain string) string {
	t := strings.TrimSpace(title)
	if domain == "arxiv.org" || strings.HasSuffix(domain, ".arxiv.org") {
		if t == "" || strings.Contains(strings.ToLower(t), "recaptcha") {
			if id := arxivID(rawURL); id != "" {
				return "arXiv:" + id
			}
			return "arXiv"
		}
	}
	return t
}

// arxivID extracts the identifier from abs/ and pdf/ arXiv URLs.
func arxivID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.Contains(strings.ToLower(u.Host), "arxiv.org") {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSuffix(parts[len(parts)-1], ".pdf")
}

func truncateRunes(s string, max int) string {
	if max <= 0 || s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
