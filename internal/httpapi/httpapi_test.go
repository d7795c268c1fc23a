package httpapi

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/workflows"
)

type deliveredDecision struct {
	taskID   string
	decision models.Decision
}

type fakeOrchestrator struct {
	mu        sync.Mutex
	queries   []string
	configs   []models.TaskConfig
	startTask *models.Task
	startErr  error

	delivered     []deliveredDecision
	deliverResult workflows.DecisionResult
	deliverErr    error
}

func (f *fakeOrchestrator) Start(query string, cfg models.TaskConfig) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.configs = append(f.configs, cfg)
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startTask != nil {
		return f.startTask, nil
	}
	return &models.Task{ID: "task-1", Query: query, Config: cfg, Status: models.StatusPending}, nil
}

func (f *fakeOrchestrator) Deliver(taskID string, decision models.Decision) (workflows.DecisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deliveredDecision{taskID: taskID, decision: decision})
	return f.deliverResult, f.deliverErr
}

func (f *fakeOrchestrator) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeOrchestrator) lastDelivered() (deliveredDecision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delivered) == 0 {
		return deliveredDecision{}, false
	}
	return f.delivered[len(f.delivered)-1], true
}

type fakeStore struct {
	tasks   map[string]*models.Task
	history []*models.Task
	err     error
}

func (f *fakeStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	if task, ok := f.tasks[taskID]; ok {
		return task, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) History(ctx context.Context, limit, offset int) ([]*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.history, nil
}

type fakeClassifier struct {
	queryType agents.QueryType
	response  string
}

func (f *fakeClassifier) Classify(ctx context.Context, query string) (agents.QueryType, models.TokenUsage) {
	if f.queryType == "" {
		return agents.QueryResearch, models.TokenUsage{}
	}
	return f.queryType, models.TokenUsage{}
}

func (f *fakeClassifier) SimpleResponse(ctx context.Context, query string, queryType agents.QueryType) (string, models.TokenUsage) {
	return f.response, models.TokenUsage{}
}

type fakeSource struct{ name string }

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Search(ctx context.Context, query string) ([]models.Finding, error) {
	return nil, nil
}

type fixture struct {
	orchestrator *fakeOrchestrator
	sessions     *session.Registry
	events       *streaming.Manager
	gateway      *search.Gateway
	server       *Server
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	orch := &fakeOrchestrator{deliverResult: workflows.DecisionResult{Accepted: true}}
	sessions := session.NewRegistry(session.Options{}, zap.NewNop())
	t.Cleanup(sessions.Close)
	events := streaming.NewManager(64)
	gateway := search.NewGateway(zap.NewNop())

	deps := Deps{
		Orchestrator: orch,
		Sessions:     sessions,
		Events:       events,
		Gateway:      gateway,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &fixture{
		orchestrator: orch,
		sessions:     sessions,
		events:       events,
		gateway:      gateway,
		server:       NewServer(deps, zaptest.NewLogger(t)),
	}
}
