package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/models"
)

const (
	defaultArxivBaseURL = "https://export.arxiv.org"
	arxivNamespace      = "http://arxiv.org/schemas/atom"
)

// ArxivConfig configures the academic paper source. SortBy accepts the feed's
// values: relevance, lastUpdatedDate, submittedDate.
type ArxivConfig struct {
	BaseURL    string
	MaxResults int
	SortBy     string
	SortOrder  string
}

// Arxiv searches academic papers through the arXiv Atom feed.
type Arxiv struct {
	cfg    ArxivConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewArxiv(cfg ArxivConfig, logger *zap.Logger) *Arxiv {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultArxivBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.SortBy == "" {
		cfg.SortBy = "relevance"
	}
	if cfg.SortOrder == "" {
		cfg.SortOrder = "descending"
	}
	return &Arxiv{
		cfg:    cfg,
		http:   newHTTPWrapper(SourceArxiv, logger),
		logger: logger,
	}
}

func (a *Arxiv) Name() string { return SourceArxiv }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID              string         `xml:"id"`
	Title           string         `xml:"title"`
	Summary         string         `xml:"summary"`
	Published       string         `xml:"published"`
	Updated         string         `xml:"updated"`
	Authors         []atomAuthor   `xml:"author"`
	Categories      []atomCategory `xml:"category"`
	PrimaryCategory atomCategory   `xml:"http://arxiv.org/schemas/atom primary_category"`
	DOI             string         `xml:"http://arxiv.org/schemas/atom doi"`
	JournalRef      string         `xml:"http://arxiv.org/schemas/atom journal_ref"`
	Comment         string         `xml:"http://arxiv.org/schemas/atom comment"`
	Links           []atomLink     `xml:"link"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Title string `xml:"title,attr"`
}

func (a *Arxiv) Search(ctx context.Context, query string) ([]models.Finding, error) {
	params := url.Values{}
	params.Set("search_query", query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(a.cfg.MaxResults))
	params.Set("sortBy", a.cfg.SortBy)
	params.Set("sortOrder", a.cfg.SortOrder)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/api/query?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv status %d", resp.StatusCode)
	}

	var feed atomFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode arxiv feed: %w", err)
	}

	findings := make([]models.Finding, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		findings = append(findings, models.Finding{
			Title:    collapseSpace(entry.Title),
			URL:      entry.ID,
			Snippet:  collapseSpace(entry.Summary),
			Metadata: arxivMetadata(entry),
		})
	}
	return findings, nil
}

// arxivMetadata carries the feed fields the citation extractor and report
// reader care about. The feed has no relevance scores.
func arxivMetadata(entry atomEntry) map[string]interface{} {
	meta := map[string]interface{}{}
	if len(entry.Authors) > 0 {
		names := make([]string, 0, len(entry.Authors))
		for _, author := range entry.Authors {
			if author.Name != "" {
				names = append(names, author.Name)
			}
		}
		if len(names) > 0 {
			meta["authors"] = names
		}
	}
	if entry.Published != "" {
		meta["published"] = entry.Published
	}
	if entry.Updated != "" {
		meta["updated"] = entry.Updated
	}
	if len(entry.Categories) > 0 {
		terms := make([]string, 0, len(entry.Categories))
		for _, cat := range entry.Categories {
			if cat.Term != "" {
				terms = append(terms, cat.Term)
			}
		}
		if len(terms) > 0 {
			meta["categories"] = terms
		}
	}
	if entry.PrimaryCategory.Term != "" {
		meta["primary_category"] = entry.PrimaryCategory.Term
	}
	if pdf := pdfLink(entry.Links); pdf != "" {
		meta["pdf_url"] = pdf
	}
	if entry.DOI != "" {
		meta["doi"] = entry.DOI
	}
	if entry.JournalRef != "" {
		meta["journal_ref"] = entry.JournalRef
	}
	if entry.Comment != "" {
		meta["comment"] = collapseSpace(entry.Comment)
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func pdfLink(links []atomLink) string {
	for _, link := range links {
		if link.Title == "pdf" {
			return link.Href
		}
	}
	return ""
}
