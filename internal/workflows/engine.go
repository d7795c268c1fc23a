// Package workflows drives the research pipeline. Every task runs as one
// goroutine walking a fixed sequence: plan generation, the human approval
// gate, iterative evidence gathering with sufficiency checks, and report
// synthesis. The goroutine is the task's single writer; inbound decisions and
// cancellation reach it through the session, and every step is published on
// the event stream in transition order.
package workflows

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/budget"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/policy"
	"github.com/fathomlab/fathom/internal/ratecontrol"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
)

// orchestratorID tags lifecycle events that belong to the pipeline itself
// rather than to one of the per-stage workers.
const orchestratorID = "orchestrator"

// Planner produces research plans, regenerating with feedback after a
// rejection.
type Planner interface {
	GeneratePlan(ctx context.Context, req agents.PlanRequest) (*models.Plan, models.TokenUsage, error)
}

// Evaluator judges whether the gathered evidence satisfies the plan's
// completion criteria.
type Evaluator interface {
	Sufficient(ctx context.Context, req agents.SufficiencyRequest) (bool, models.TokenUsage, error)
}

// Synthesizer turns the accumulated evidence into the final report.
type Synthesizer interface {
	Synthesize(ctx context.Context, req agents.ReportRequest) (*models.Report, models.TokenUsage, error)
}

// Searcher is the evidence source gateway.
type Searcher interface {
	Search(ctx context.Context, query, source string) ([]models.Finding, error)
	Sources() []string
}

// Recorder persists task snapshots. Saves are advisory; the pipeline never
// waits on them.
type Recorder interface {
	SaveTask(task *models.Task)
}

// Config bounds the pipeline's external calls. The approval gate is the one
// suspension point with no timeout; a task may wait there for as long as the
// process lives.
type Config struct {
	PlanTimeout      time.Duration `mapstructure:"plan_timeout"`
	SearchTimeout    time.Duration `mapstructure:"search_timeout"`
	EvaluateTimeout  time.Duration `mapstructure:"evaluate_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`

	// OutputDir, when set, receives a copy of every finished report.
	OutputDir string `mapstructure:"output_dir"`

	// DefaultProvider is used for rate pacing when a task does not pin one.
	DefaultProvider string `mapstructure:"default_provider"`

	// CallTokenEstimate sizes budget checks and pacing ahead of a
	// generation call, before the real usage is known.
	CallTokenEstimate int `mapstructure:"call_token_estimate"`
}

// DefaultConfig returns the timeouts used when the configuration does not
// override them.
func DefaultConfig() Config {
	return Config{
		PlanTimeout:       90 * time.Second,
		SearchTimeout:     30 * time.Second,
		EvaluateTimeout:   45 * time.Second,
		SynthesisTimeout:  180 * time.Second,
		DefaultProvider:   "openai",
		CallTokenEstimate: 2000,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = def.PlanTimeout
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = def.SearchTimeout
	}
	if c.EvaluateTimeout <= 0 {
		c.EvaluateTimeout = def.EvaluateTimeout
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = def.SynthesisTimeout
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = def.DefaultProvider
	}
	if c.CallTokenEstimate <= 0 {
		c.CallTokenEstimate = def.CallTokenEstimate
	}
}

// Deps are the engine's collaborators. Planner, Evaluator, Rapporteur,
// Gateway, Sessions, Events, and Budget are required; Policy and Recorder may
// be nil.
type Deps struct {
	Planner    Planner
	Evaluator  Evaluator
	Rapporteur Synthesizer
	Gateway    Searcher
	Sessions   *session.Registry
	Events     *streaming.Manager
	Budget     *budget.Manager
	Policy     *policy.Engine
	Recorder   Recorder
}

// Engine owns every running pipeline goroutine.
type Engine struct {
	cfg        Config
	planner    Planner
	evaluator  Evaluator
	rapporteur Synthesizer
	gateway    Searcher
	sessions   *session.Registry
	events     *streaming.Manager
	budget     *budget.Manager
	policy     *policy.Engine
	recorder   Recorder
	logger     *zap.Logger

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()
	return &Engine{
		cfg:        cfg,
		planner:    deps.Planner,
		evaluator:  deps.Evaluator,
		rapporteur: deps.Rapporteur,
		gateway:    deps.Gateway,
		sessions:   deps.Sessions,
		events:     deps.Events,
		budget:     deps.Budget,
		policy:     deps.Policy,
		recorder:   deps.Recorder,
		logger:     logger,
	}
}

// Start validates the request, registers the task, and launches its pipeline.
// The returned snapshot is already in the pending state; the planning
// transition follows on the event stream.
func (e *Engine) Start(query string, cfg models.TaskConfig) (*models.Task, error) {
	if err := models.ValidateQuery(query); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	s, ctx := e.sessions.Create(query, cfg)
	metrics.TasksStarted.Inc()

	e.wg.Add(1)
	go e.run(ctx, s)

	return s.Snapshot(), nil
}

// Shutdown cancels every live task and waits for their pipelines to unwind,
// bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.sessions.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish fans one event out on the task's stream.
func (e *Engine) publish(evt streaming.Event) {
	e.events.Publish(evt.TaskID, evt)
}

// pace sleeps out the provider rate window before an external call. The wait
// is abandoned on cancellation; the caller re-checks ctx before proceeding.
func (e *Engine) pace(ctx context.Context, provider string, estimatedTokens int) {
	if provider == "" {
		provider = e.cfg.DefaultProvider
	}
	delay := ratecontrol.DelayForRequest(provider, estimatedTokens)
	if delay <= 0 {
		return
	}
	metrics.RateLimitDelay.WithLabelValues(provider).Observe(delay.Seconds())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
