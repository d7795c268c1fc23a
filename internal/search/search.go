// Package search is the evidence source gateway. Sources register under a
// string identifier and the iteration loop fans queries out across them; a
// failing source returns a typed error the loop records and skips, it never
// aborts the task.
package search

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/interceptors"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/tracing"
)

const (
	SourceTavily    = "tavily"
	SourceArxiv     = "arxiv"
	SourceMCP       = "mcp"
	SourceKnowledge = "knowledge"
)

var ErrUnknownSource = errors.New("unknown evidence source")

// Source is one evidence backend. Implementations make a single attempt per
// call; the iteration loop is the retry mechanism.
type Source interface {
	Name() string
	Search(ctx context.Context, query string) ([]models.Finding, error)
}

// Gateway routes queries to registered sources by identifier.
type Gateway struct {
	mu      sync.RWMutex
	sources map[string]Source
	logger  *zap.Logger
}

func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		sources: make(map[string]Source),
		logger:  logger,
	}
}

// Register adds a source under its lowercased name, replacing any previous
// registration.
func (g *Gateway) Register(src Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[strings.ToLower(src.Name())] = src
}

// Has reports whether a source is registered under the identifier.
func (g *Gateway) Has(source string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sources[normalizeSource(source)]
	return ok
}

// Sources lists registered identifiers in sorted order.
func (g *Gateway) Sources() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.sources))
	for name := range g.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search runs query against one source. Every failure, including an
// unregistered source name, comes back as *models.EvidenceSourceError so the
// caller can record it against the evidence set and move on.
func (g *Gateway) Search(ctx context.Context, query, source string) ([]models.Finding, error) {
	name := normalizeSource(source)

	g.mu.RLock()
	src, ok := g.sources[name]
	g.mu.RUnlock()
	if !ok {
		metrics.SearchCalls.WithLabelValues(name, "unknown").Inc()
		return nil, &models.EvidenceSourceError{Source: name, Query: query, Cause: ErrUnknownSource}
	}

	ctx, span := tracing.StartSpan(ctx, "evidence.search")
	defer span.End()

	start := time.Now()
	findings, err := src.Search(ctx, query)
	metrics.SearchCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SearchCalls.WithLabelValues(name, "error").Inc()
		g.logger.Warn("Evidence source call failed",
			zap.String("source", name),
			zap.String("query", query),
			zap.Error(err))
		return nil, &models.EvidenceSourceError{Source: name, Query: query, Cause: err}
	}

	metrics.SearchCalls.WithLabelValues(name, "ok").Inc()
	metrics.FindingsCollected.WithLabelValues(name).Add(float64(len(findings)))
	return findings, nil
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}

// newHTTPWrapper builds the breaker-guarded client shared by the HTTP-backed
// sources. Task and request IDs ride along on outbound headers.
func newHTTPWrapper(source string, logger *zap.Logger) *circuitbreaker.HTTPWrapper {
	base := &http.Client{
		Timeout:   clientTimeout(),
		Transport: interceptors.NewTaskHTTPRoundTripper(http.DefaultTransport),
	}
	return circuitbreaker.NewHTTPWrapper(base, source, "search", circuitbreaker.SearchConfig(), logger)
}

func clientTimeout() time.Duration {
	if v := os.Getenv("FATHOM_SEARCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 20 * time.Second
}

// collapseSpace joins runs of whitespace into single spaces. Feed XML wraps
// titles and abstracts across indented lines.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
