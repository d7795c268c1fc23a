package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/templates"
)

// fakeClient replays scripted responses in call order and records requests.
type fakeClient struct {
	responses []fakeResponse
	requests  []llm.Request
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeClient) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llm.Result{
		Text: next.text,
		Usage: models.TokenUsage{
			PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
			Model: "fake-model", Provider: "fake",
		},
	}, nil
}

func (f *fakeClient) Provider() string { return "fake" }
func (f *fakeClient) Model() string    { return "fake-model" }

const validPlanJSON = `{
  "research_goal": "Map the current state of the topic",
  "sub_tasks": [
    {"task_id": 1, "description": "Survey the landscape", "search_queries": ["overview"], "sources": ["tavily"], "priority": 1},
    {"task_id": 2, "description": "Collect recent papers", "search_queries": ["recent work"], "sources": ["arxiv"], "priority": 2},
    {"task_id": 3, "description": "Find critiques", "search_queries": ["limitations"], "sources": ["tavily"], "priority": 3}
  ],
  "completion_criteria": "Major approaches and critiques are covered",
  "estimated_iterations": 2
}`

func plannerWith(responses ...fakeResponse) (*Planner, *fakeClient) {
	client := &fakeClient{responses: responses}
	return NewPlanner(client, templates.NewRegistry(), zap.NewNop()), client
}

func planRequest() PlanRequest {
	return PlanRequest{
		Query:         "state of solid-state batteries",
		Sources:       []string{"tavily", "arxiv"},
		MaxIterations: 5,
	}
}

func TestGeneratePlanParsesFencedJSON(t *testing.T) {
	p, client := plannerWith(fakeResponse{text: "```json\n" + validPlanJSON + "\n```"})

	plan, usage, err := p.GeneratePlan(context.Background(), planRequest())
	require.NoError(t, err)
	require.Len(t, plan.SubTasks, 3)
	assert.Equal(t, "Map the current state of the topic", plan.Goal)
	assert.Equal(t, 1, plan.SubTasks[0].ID)
	assert.Equal(t, models.SubTaskPending, plan.SubTasks[0].Status)
	assert.Equal(t, 15, usage.TotalTokens)

	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].Prompt, "state of solid-state batteries")
	assert.Contains(t, client.requests[0].Prompt, "tavily, arxiv")
}

func TestGeneratePlanRetriesWithStrictPromptOnParseFailure(t *testing.T) {
	p, client := plannerWith(
		fakeResponse{text: "Sure! Here is a plan in prose, no JSON."},
		fakeResponse{text: validPlanJSON},
	)

	plan, usage, err := p.GeneratePlan(context.Background(), planRequest())
	require.NoError(t, err)
	assert.Len(t, plan.SubTasks, 3)
	assert.Equal(t, 30, usage.TotalTokens)

	require.Len(t, client.requests, 2)
	assert.Contains(t, client.requests[1].Prompt, "Output ONLY a JSON object")
}

func TestGeneratePlanRetriesSamePromptOnCallError(t *testing.T) {
	p, client := plannerWith(
		fakeResponse{err: errors.New("upstream 503")},
		fakeResponse{text: validPlanJSON},
	)

	_, _, err := p.GeneratePlan(context.Background(), planRequest())
	require.NoError(t, err)

	require.Len(t, client.requests, 2)
	assert.Contains(t, client.requests[1].Prompt, "You are a research planner")
	assert.NotContains(t, client.requests[1].Prompt, "Output ONLY a JSON object")
}

func TestGeneratePlanFailsAfterExactlyOneRetry(t *testing.T) {
	p, client := plannerWith(
		fakeResponse{err: errors.New("boom")},
		fakeResponse{err: errors.New("boom again")},
	)

	_, _, err := p.GeneratePlan(context.Background(), planRequest())
	var planErr *models.PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, 2, planErr.Attempts)
	assert.Len(t, client.requests, 2)
}

func TestGeneratePlanRejectsWrongShape(t *testing.T) {
	empty := `{"research_goal": "g", "sub_tasks": [], "completion_criteria": "c", "estimated_iterations": 1}`
	p, _ := plannerWith(fakeResponse{text: empty}, fakeResponse{text: empty})

	_, _, err := p.GeneratePlan(context.Background(), planRequest())
	var planErr *models.PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Contains(t, planErr.Error(), "at least one sub_task")
}

func TestGeneratePlanCarriesFeedback(t *testing.T) {
	p, client := plannerWith(fakeResponse{text: validPlanJSON})

	req := planRequest()
	req.Feedback = "focus on manufacturing cost"
	_, _, err := p.GeneratePlan(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].Prompt, "focus on manufacturing cost")
	assert.Contains(t, client.requests[0].Prompt, "rejected the previous plan")
}

func evaluatorRequest() SufficiencyRequest {
	return SufficiencyRequest{
		Query:              "q",
		Goal:               "goal",
		CompletionCriteria: "criteria",
		ResultsCount:       4,
		Iteration:          1,
		MaxIterations:      3,
	}
}

func TestSufficientYes(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{text: "YES"}}}
	e := NewEvaluator(client, templates.NewRegistry(), zap.NewNop())

	ok, usage, err := e.Sufficient(context.Background(), evaluatorRequest())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 15, usage.TotalTokens)

	req := client.requests[0]
	assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	assert.Equal(t, 16, req.MaxTokens)
	assert.Contains(t, req.Prompt, "criteria")
}

func TestSufficientNoAndUnclear(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{text: "No, coverage is thin."},
		{text: "perhaps"},
	}}
	e := NewEvaluator(client, templates.NewRegistry(), zap.NewNop())

	ok, _, err := e.Sufficient(context.Background(), evaluatorRequest())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = e.Sufficient(context.Background(), evaluatorRequest())
	require.NoError(t, err)
	assert.False(t, ok, "unclear verdict must not stop iteration")
}

func TestSufficientFailureIsTypedAndInsufficient(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{err: errors.New("timeout")}}}
	e := NewEvaluator(client, templates.NewRegistry(), zap.NewNop())

	ok, _, err := e.Sufficient(context.Background(), evaluatorRequest())
	assert.False(t, ok)
	var evalErr *models.SufficiencyEvaluationError
	require.ErrorAs(t, err, &evalErr)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		response fakeResponse
		want     QueryType
	}{
		{"research", fakeResponse{text: "RESEARCH"}, QueryResearch},
		{"greeting", fakeResponse{text: "GREETING"}, QueryGreeting},
		{"inappropriate", fakeResponse{text: "INAPPROPRIATE"}, QueryInappropriate},
		{"unclear defaults to research", fakeResponse{text: "UNSURE"}, QueryResearch},
		{"failure fails open", fakeResponse{err: errors.New("down")}, QueryResearch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{responses: []fakeResponse{tt.response}}
			c := NewCoordinator(client, templates.NewRegistry(), zap.NewNop())
			got, _ := c.Classify(context.Background(), "hello there")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSimpleResponse(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{text: "Hi! I research things."}}}
	c := NewCoordinator(client, templates.NewRegistry(), zap.NewNop())

	reply, usage := c.SimpleResponse(context.Background(), "hi", QueryGreeting)
	assert.Equal(t, "Hi! I research things.", reply)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Contains(t, client.requests[0].Prompt, "GREETING")
}

func TestSimpleResponseFallsBackWhenGenerationFails(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{err: errors.New("down")}}}
	c := NewCoordinator(client, templates.NewRegistry(), zap.NewNop())

	reply, _ := c.SimpleResponse(context.Background(), "hi", QueryGreeting)
	assert.Contains(t, reply, "research any topic")

	reply, _ = c.SimpleResponse(context.Background(), "bad request", QueryInappropriate)
	assert.Equal(t, "I can't help with that request.", reply)
}

func reportRequest() ReportRequest {
	return ReportRequest{
		Query: "state of solid-state batteries",
		Plan: &models.Plan{
			Goal:                "Map the field",
			CompletionCriteria:  "covered",
			EstimatedIterations: 1,
			SubTasks: []models.SubTask{
				{ID: 1, Description: "Survey the landscape", SearchQueries: []string{"q"}, Sources: []string{"tavily"}, Priority: 1},
				{ID: 2, Description: "Collect recent papers", SearchQueries: []string{"q"}, Sources: []string{"arxiv"}, Priority: 2},
			},
		},
		Evidence: []models.SearchResult{
			{
				SubTaskID: 1,
				Query:     "q",
				Source:    "tavily",
				Findings: []models.Finding{
					{Title: "Battery Review", URL: "https://example.com/review", Snippet: "solid progress", RelevanceScore: 0.9},
				},
			},
			{SubTaskID: 2, Query: "q", Source: "arxiv", Error: "source timeout"},
		},
		Format: models.FormatMarkdown,
	}
}

const themesJSON = `{"themes": [{"name": "Manufacturing", "key_points": ["cost falling", "yield improving"]}]}`

func TestSynthesizeMarkdown(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{text: "Summary of the field."},
		{text: themesJSON},
		{text: "The evidence [1] points one way."},
		{text: "Much remains open."},
	}}
	r := NewRapporteur(client, templates.NewRegistry(), zap.NewNop())

	report, usage, err := r.Synthesize(context.Background(), reportRequest())
	require.NoError(t, err)
	assert.Equal(t, models.FormatMarkdown, report.Format)
	assert.Equal(t, 60, usage.TotalTokens)
	assert.False(t, report.GeneratedAt.IsZero())

	content := report.Content
	assert.True(t, strings.HasPrefix(content, "# Research Report: state of solid-state batteries"))
	assert.Contains(t, content, "## Executive Summary")
	assert.Contains(t, content, "### Manufacturing")
	assert.Contains(t, content, "- cost falling")
	assert.Contains(t, content, "The evidence [1] points one way.")
	assert.Contains(t, content, "- Survey the landscape: 1 findings")
	assert.Contains(t, content, "- Collect recent papers: no findings")
	assert.Contains(t, content, "## Sources")
	assert.Contains(t, content, "[1] Battery Review - example.com - https://example.com/review - cited")
}

func TestSynthesizeHTML(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{text: "Summary."},
		{text: themesJSON},
		{text: "Analysis."},
		{text: "Conclusion."},
		{text: "```html\n<!DOCTYPE html><html><body>report</body></html>\n```"},
	}}
	r := NewRapporteur(client, templates.NewRegistry(), zap.NewNop())

	req := reportRequest()
	req.Format = models.FormatHTML
	report, usage, err := r.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.FormatHTML, report.Format)
	assert.True(t, strings.HasPrefix(report.Content, "<!DOCTYPE html>"))
	assert.Equal(t, 75, usage.TotalTokens)

	htmlPrompt := client.requests[4].Prompt
	assert.Contains(t, htmlPrompt, "Collect recent papers: no findings")
	assert.Contains(t, htmlPrompt, "[1] Battery Review")
}

func TestSynthesizeFailureIsTerminal(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{err: errors.New("provider down")}}}
	r := NewRapporteur(client, templates.NewRegistry(), zap.NewNop())

	_, _, err := r.Synthesize(context.Background(), reportRequest())
	var synthErr *models.SynthesisError
	require.ErrorAs(t, err, &synthErr)
}

func TestSynthesizeThemeFallback(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{text: "Summary."},
		{text: "not json at all"},
		{text: "Analysis."},
		{text: "Conclusion."},
	}}
	r := NewRapporteur(client, templates.NewRegistry(), zap.NewNop())

	report, _, err := r.Synthesize(context.Background(), reportRequest())
	require.NoError(t, err)
	assert.Contains(t, report.Content, "### Overview")
	assert.Contains(t, report.Content, "- Summary.")
}

func TestSynthesizeWithNoEvidence(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{text: "Nothing was found."},
		{text: themesJSON},
		{text: "Analysis of nothing."},
		{text: "Open question."},
	}}
	r := NewRapporteur(client, templates.NewRegistry(), zap.NewNop())

	req := reportRequest()
	req.Evidence = nil
	report, _, err := r.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, report.Content, "## Sources", "no citations means no sources section")
	assert.Contains(t, report.Content, "- Survey the landscape: no findings")
	assert.Contains(t, client.requests[0].Prompt, "No evidence was gathered.")
}
