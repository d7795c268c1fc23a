package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/templates"
)

// QueryType is the coordinator's classification of an incoming query.
type QueryType string

const (
	QueryResearch      QueryType = "research"
	QueryGreeting      QueryType = "greeting"
	QueryInappropriate QueryType = "inappropriate"
)

const (
	classifyTemperature = 0.1
	classifyMaxTokens   = 8
)

// NonResearchQueryError rejects a submission whose query does not start a
// research task. Response carries the short reply shown to the caller.
type NonResearchQueryError struct {
	Type     QueryType
	Response string
}

func (e *NonResearchQueryError) Error() string {
	return fmt.Sprintf("query classified as %s, no research task started", e.Type)
}

// Coordinator screens incoming queries before a task is created.
type Coordinator struct {
	client   llm.Client
	registry *templates.Registry
	logger   *zap.Logger
}

// NewCoordinator creates a query coordinator.
func NewCoordinator(client llm.Client, registry *templates.Registry, logger *zap.Logger) *Coordinator {
	return &Coordinator{client: client, registry: registry, logger: logger}
}

// Classify tags the query as research, greeting, or inappropriate.
// Classification fails open: any failure or unclear answer is treated as
// research so a flaky classifier never blocks real work.
func (c *Coordinator) Classify(ctx context.Context, query string) (QueryType, models.TokenUsage) {
	var usage models.TokenUsage

	prompt, err := c.registry.Render("coordinator_classify_query", map[string]any{"Query": query})
	if err != nil {
		c.logger.Warn("Query classification unavailable, assuming research", zap.Error(err))
		return QueryResearch, usage
	}

	res, err := c.client.Generate(ctx, llm.Request{
		Prompt:      prompt,
		MaxTokens:   classifyMaxTokens,
		Temperature: classifyTemperature,
	})
	if err != nil {
		c.logger.Warn("Query classification failed, assuming research", zap.Error(err))
		return QueryResearch, usage
	}
	usage = res.Usage

	answer := strings.ToUpper(strings.TrimSpace(res.Text))
	switch {
	case strings.Contains(answer, "GREETING"):
		return QueryGreeting, usage
	case strings.Contains(answer, "INAPPROPRIATE"):
		return QueryInappropriate, usage
	default:
		return QueryResearch, usage
	}
}

// SimpleResponse writes the short reply for a non-research query. A
// generation failure falls back to a canned reply rather than erroring: the
// submission is already being refused.
func (c *Coordinator) SimpleResponse(ctx context.Context, query string, queryType QueryType) (string, models.TokenUsage) {
	var usage models.TokenUsage

	prompt, err := c.registry.Render("coordinator_simple_response", map[string]any{
		"Query":     query,
		"QueryType": strings.ToUpper(string(queryType)),
	})
	if err == nil {
		res, genErr := c.client.Generate(ctx, llm.Request{Prompt: prompt})
		if genErr == nil && strings.TrimSpace(res.Text) != "" {
			return strings.TrimSpace(res.Text), res.Usage
		}
		err = genErr
	}
	if err != nil {
		c.logger.Warn("Simple response generation failed, using canned reply", zap.Error(err))
	}

	if queryType == QueryGreeting {
		return "Hello! Ask me to research any topic and I will put together a sourced report.", usage
	}
	return "I can't help with that request.", usage
}
