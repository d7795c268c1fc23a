// Package agents holds the generation-call agents of the research pipeline:
// the planner, the sufficiency evaluator, the rapporteur, and the entry
// coordinator. Each agent renders its prompts from the templates registry,
// calls a single llm.Client, and returns the token usage it consumed so the
// pipeline can account per call.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/templates"
	"github.com/fathomlab/fathom/internal/util"
)

// Planner turns a research query into a structured plan.
type Planner struct {
	client   llm.Client
	registry *templates.Registry
	logger   *zap.Logger
}

// NewPlanner creates a planner over the given generation client.
func NewPlanner(client llm.Client, registry *templates.Registry, logger *zap.Logger) *Planner {
	return &Planner{client: client, registry: registry, logger: logger}
}

// PlanRequest carries the inputs of one plan generation. Feedback is set when
// regenerating after a rejected plan.
type PlanRequest struct {
	Query         string
	Sources       []string
	MaxIterations int
	Feedback      string
	Model         string
}

// planParseError marks a generation that returned content which could not be
// read as a plan, so the retry switches to the stricter format prompt.
type planParseError struct {
	cause error
}

func (e *planParseError) Error() string { return fmt.Sprintf("unparseable plan: %v", e.cause) }
func (e *planParseError) Unwrap() error { return e.cause }

// GeneratePlan produces a validated plan. A failed first attempt is retried
// exactly once; when the failure was a parse failure the retry uses the
// strict-format prompt. A second failure surfaces as PlanGenerationError.
func (p *Planner) GeneratePlan(ctx context.Context, req PlanRequest) (*models.Plan, models.TokenUsage, error) {
	var usage models.TokenUsage

	plan, err := p.attempt(ctx, "planner_create_plan", req, &usage)
	if err == nil {
		return plan, usage, nil
	}
	if ctx.Err() != nil {
		return nil, usage, &models.PlanGenerationError{Attempts: 1, Cause: err}
	}

	retryTemplate := "planner_create_plan"
	var parseErr *planParseError
	if errors.As(err, &parseErr) {
		retryTemplate = "planner_create_plan_strict"
	}
	p.logger.Warn("Plan generation failed, retrying once",
		zap.String("retry_template", retryTemplate),
		zap.Error(err))

	plan, retryErr := p.attempt(ctx, retryTemplate, req, &usage)
	if retryErr != nil {
		return nil, usage, &models.PlanGenerationError{Attempts: 2, Cause: retryErr}
	}
	return plan, usage, nil
}

func (p *Planner) attempt(ctx context.Context, templateName string, req PlanRequest, usage *models.TokenUsage) (*models.Plan, error) {
	prompt, err := p.registry.Render(templateName, map[string]any{
		"Query":         req.Query,
		"Sources":       strings.Join(req.Sources, ", "),
		"MaxIterations": req.MaxIterations,
		"Feedback":      req.Feedback,
	})
	if err != nil {
		return nil, err
	}

	res, err := p.client.Generate(ctx, llm.Request{Prompt: prompt, Model: req.Model})
	if err != nil {
		return nil, err
	}
	usage.Add(res.Usage)

	plan, err := parsePlan(res.Text)
	if err != nil {
		return nil, &planParseError{cause: err}
	}
	return plan, nil
}

func parsePlan(text string) (*models.Plan, error) {
	raw, err := util.ExtractJSONObject(util.StripCodeFence(text))
	if err != nil {
		return nil, err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &plan, nil
}
