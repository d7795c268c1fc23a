package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/templates"
)

const (
	evaluatorTemperature = 0.3
	evaluatorMaxTokens   = 16
)

// Evaluator judges whether accumulated evidence satisfies a plan's
// completion criterion.
type Evaluator struct {
	client   llm.Client
	registry *templates.Registry
	logger   *zap.Logger
}

// NewEvaluator creates a sufficiency evaluator.
func NewEvaluator(client llm.Client, registry *templates.Registry, logger *zap.Logger) *Evaluator {
	return &Evaluator{client: client, registry: registry, logger: logger}
}

// SufficiencyRequest describes the state of one iteration boundary.
type SufficiencyRequest struct {
	Query              string
	Goal               string
	CompletionCriteria string
	ResultsCount       int
	Iteration          int
	MaxIterations      int
	Model              string
}

// Sufficient asks for a YES/NO verdict on the gathered evidence. The verdict
// is authoritative and never retried. A failure to obtain one returns a
// SufficiencyEvaluationError; callers treat that as "insufficient" and keep
// iterating.
func (e *Evaluator) Sufficient(ctx context.Context, req SufficiencyRequest) (bool, models.TokenUsage, error) {
	var usage models.TokenUsage

	prompt, err := e.registry.Render("planner_evaluate_context", map[string]any{
		"Query":              req.Query,
		"ResearchGoal":       req.Goal,
		"CompletionCriteria": req.CompletionCriteria,
		"ResultsCount":       req.ResultsCount,
		"CurrentIteration":   req.Iteration,
		"MaxIterations":      req.MaxIterations,
	})
	if err != nil {
		return false, usage, &models.SufficiencyEvaluationError{Cause: err}
	}

	res, err := e.client.Generate(ctx, llm.Request{
		Prompt:      prompt,
		Model:       req.Model,
		MaxTokens:   evaluatorMaxTokens,
		Temperature: evaluatorTemperature,
	})
	if err != nil {
		return false, usage, &models.SufficiencyEvaluationError{Cause: err}
	}
	usage = res.Usage

	verdict := strings.ToUpper(strings.TrimSpace(res.Text))
	sufficient := strings.HasPrefix(verdict, "YES")
	if !sufficient && !strings.HasPrefix(verdict, "NO") {
		e.logger.Warn("Sufficiency verdict unclear, continuing iteration",
			zap.String("verdict", res.Text))
	}
	return sufficient, usage, nil
}
