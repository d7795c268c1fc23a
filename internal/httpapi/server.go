// Package httpapi is the boundary transport: REST endpoints for task
// submission, inspection, and control, the bidirectional WebSocket event
// channel, and its read-only SSE mirror.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/auth"
	"github.com/fathomlab/fathom/internal/health"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/policy"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/workflows"
)

// Orchestrator starts tasks and routes decisions to their pipelines.
type Orchestrator interface {
	Start(query string, cfg models.TaskConfig) (*models.Task, error)
	Deliver(taskID string, decision models.Decision) (workflows.DecisionResult, error)
}

// Classifier screens queries before a task is created.
type Classifier interface {
	Classify(ctx context.Context, query string) (agents.QueryType, models.TokenUsage)
	SimpleResponse(ctx context.Context, query string, queryType agents.QueryType) (string, models.TokenUsage)
}

// Store is the read side of task persistence. Either method may answer
// db.ErrNotFound-style misses; the handlers fall back to the registry first.
type Store interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
	History(ctx context.Context, limit, offset int) ([]*models.Task, error)
}

// ProviderInfo describes one configured generation backend for discovery.
type ProviderInfo struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Default bool   `json:"default,omitempty"`
}

// Deps are the server's collaborators. Orchestrator, Sessions, Events, and
// Gateway are required; the rest are optional and nil disables the feature.
type Deps struct {
	Orchestrator Orchestrator
	Sessions     *session.Registry
	Events       *streaming.Manager
	Gateway      *search.Gateway

	Store      Store
	Classifier Classifier
	Policy     *policy.Engine
	Auth       *auth.Authenticator
	Limiter    *RateLimiter
	Health     *health.Handler
	Providers  []ProviderInfo
}

// Server holds the HTTP handlers and the live event-channel table.
type Server struct {
	orchestrator Orchestrator
	sessions     *session.Registry
	events       *streaming.Manager
	gateway      *search.Gateway
	store        Store
	classifier   Classifier
	policy       *policy.Engine
	auth         *auth.Authenticator
	limiter      *RateLimiter
	health       *health.Handler
	providers    []ProviderInfo
	logger       *zap.Logger

	// conns maps event-channel connection ids to their shutdown hooks so a
	// superseded WebSocket can be closed when a new one binds.
	mu    sync.Mutex
	conns map[string]context.CancelFunc
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orchestrator: deps.Orchestrator,
		sessions:     deps.Sessions,
		events:       deps.Events,
		gateway:      deps.Gateway,
		store:        deps.Store,
		classifier:   deps.Classifier,
		policy:       deps.Policy,
		auth:         deps.Auth,
		limiter:      deps.Limiter,
		health:       deps.Health,
		providers:    deps.Providers,
		logger:       logger,
		conns:        make(map[string]context.CancelFunc),
	}
}

// Handler assembles the full route table. Health and metrics endpoints sit
// outside auth; everything under /api/v1 goes through it when configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/research", s.protect(s.limit(http.HandlerFunc(s.handleSubmit))))
	mux.Handle("GET /api/v1/research/history", s.protect(http.HandlerFunc(s.handleHistory)))
	mux.Handle("GET /api/v1/research/{id}", s.protect(http.HandlerFunc(s.handleGet)))
	mux.Handle("DELETE /api/v1/research/{id}", s.protect(http.HandlerFunc(s.handleCancel)))
	mux.Handle("POST /api/v1/research/{id}/decision", s.protect(http.HandlerFunc(s.handleDecision)))
	mux.Handle("GET /api/v1/research/{id}/events", s.protect(http.HandlerFunc(s.handleSSE)))
	mux.Handle("GET /api/v1/research/{id}/ws", s.protect(http.HandlerFunc(s.handleWS)))
	mux.Handle("GET /api/v1/sources", s.protect(http.HandlerFunc(s.handleSources)))
	mux.Handle("GET /api/v1/providers", s.protect(http.HandlerFunc(s.handleProviders)))

	if s.health != nil {
		s.health.RegisterRoutes(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.accessLog(s.recoverPanics(mux))
}

func (s *Server) protect(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware(next)
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.gateway.Sources()})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.providers
	if providers == nil {
		providers = []ProviderInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
