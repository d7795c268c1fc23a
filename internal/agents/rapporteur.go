package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/formatting"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/metadata"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/templates"
	"github.com/fathomlab/fathom/internal/util"
)

const (
	summarizeTemperature = 0.5
	htmlTemperature      = 0.3
	htmlMaxTokens        = 4000

	// Bounds on the evidence context fed back into prompts.
	maxContextCitations = 30
	contextSnippetRunes = 200
)

// Rapporteur synthesizes the final report from a task's plan and evidence.
type Rapporteur struct {
	client   llm.Client
	registry *templates.Registry
	logger   *zap.Logger
}

// NewRapporteur creates a report synthesizer.
func NewRapporteur(client llm.Client, registry *templates.Registry, logger *zap.Logger) *Rapporteur {
	return &Rapporteur{client: client, registry: registry, logger: logger}
}

// ReportRequest carries everything the synthesis needs.
type ReportRequest struct {
	Query    string
	Plan     *models.Plan
	Evidence []models.SearchResult
	Format   models.OutputFormat
	Model    string
}

type reportTheme struct {
	Name      string   `json:"name"`
	KeyPoints []string `json:"key_points"`
}

// Synthesize produces the report document in the requested format. Every
// distinct source in the evidence appears in the references; subtasks that
// yielded nothing are reported as "no findings" rather than dropped. Any
// generation-call failure is terminal and returns a SynthesisError.
func (r *Rapporteur) Synthesize(ctx context.Context, req ReportRequest) (*models.Report, models.TokenUsage, error) {
	var usage models.TokenUsage
	now := time.Now().UTC()

	citations, stats := metadata.CollectCitations(req.Evidence, now, metadata.DefaultMaxCitations)
	r.logger.Info("Citations collected",
		zap.Int("total_sources", stats.TotalSources),
		zap.Int("unique_domains", stats.UniqueDomains),
		zap.Float64("avg_credibility", stats.AvgCredibility),
		zap.Int("duplicates_merged", stats.DuplicatesMerged))

	contextCitations := citations
	if len(contextCitations) > maxContextCitations {
		contextCitations = contextCitations[:maxContextCitations]
	}
	findings := metadata.FormatCitationContext(contextCitations, contextSnippetRunes)
	if findings == "" {
		findings = "No evidence was gathered."
	}

	summary, err := r.generate(ctx, &usage, "rapporteur_summarize", map[string]any{
		"Query":            req.Query,
		"ResearchFindings": findings,
	}, llm.Request{Model: req.Model, Temperature: summarizeTemperature})
	if err != nil {
		return nil, usage, &models.SynthesisError{Cause: err}
	}

	themes, err := r.organizeThemes(ctx, &usage, req.Model, summary)
	if err != nil {
		return nil, usage, &models.SynthesisError{Cause: err}
	}

	analysis, err := r.generate(ctx, &usage, "rapporteur_analysis", map[string]any{
		"Query":      req.Query,
		"Summary":    summary,
		"KeyContent": findings,
	}, llm.Request{Model: req.Model})
	if err != nil {
		return nil, usage, &models.SynthesisError{Cause: err}
	}

	conclusion, err := r.generate(ctx, &usage, "rapporteur_conclusion", map[string]any{
		"Query":   req.Query,
		"Summary": summary,
	}, llm.Request{Model: req.Model})
	if err != nil {
		return nil, usage, &models.SynthesisError{Cause: err}
	}

	citationList := metadata.FormatCitationList(citations)
	coverage := coverageLines(req.Plan, req.Evidence)

	if req.Format == models.FormatHTML {
		html, err := r.generate(ctx, &usage, "rapporteur_generate_html", map[string]any{
			"Query":        req.Query,
			"ResearchGoal": planGoal(req.Plan),
			"Summary":      summary,
			"Themes":       themesText(themes),
			"Analysis":     analysis,
			"Coverage":     strings.Join(coverage, "\n"),
			"Conclusion":   conclusion,
			"Citations":    citationList,
		}, llm.Request{Model: req.Model, Temperature: htmlTemperature, MaxTokens: htmlMaxTokens})
		if err != nil {
			return nil, usage, &models.SynthesisError{Cause: err}
		}
		return &models.Report{
			Content:     util.StripCodeFence(html),
			Format:      models.FormatHTML,
			GeneratedAt: now,
		}, usage, nil
	}

	content := r.assembleMarkdown(req, now, summary, themes, analysis, coverage, conclusion)
	content = formatting.FormatReportWithCitations(content, citationList)
	return &models.Report{
		Content:     content,
		Format:      models.FormatMarkdown,
		GeneratedAt: now,
	}, usage, nil
}

// organizeThemes structures the summary into named themes. A call failure is
// fatal; an unparseable answer degrades to a single flat theme.
func (r *Rapporteur) organizeThemes(ctx context.Context, usage *models.TokenUsage, model, summary string) ([]reportTheme, error) {
	text, err := r.generate(ctx, usage, "rapporteur_organize_info", map[string]any{
		"Summary": summary,
	}, llm.Request{Model: model})
	if err != nil {
		return nil, err
	}

	if raw, jsonErr := util.ExtractJSONObject(util.StripCodeFence(text)); jsonErr == nil {
		var parsed struct {
			Themes []reportTheme `json:"themes"`
		}
		if json.Unmarshal([]byte(raw), &parsed) == nil && len(parsed.Themes) > 0 {
			return parsed.Themes, nil
		}
	}

	r.logger.Warn("Theme organization not parseable, using flat overview")
	return []reportTheme{{
		Name:      "Overview",
		KeyPoints: []string{util.TruncateString(summary, 500, true)},
	}}, nil
}

func (r *Rapporteur) assembleMarkdown(req ReportRequest, now time.Time, summary string, themes []reportTheme, analysis string, coverage []string, conclusion string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Research Report: %s\n\n", req.Query)
	fmt.Fprintf(&b, "*Generated: %s*\n\n", now.Format("2006-01-02 15:04 UTC"))
	if goal := planGoal(req.Plan); goal != "" {
		fmt.Fprintf(&b, "**Goal:** %s\n\n", goal)
	}

	b.WriteString("## Executive Summary\n\n")
	b.WriteString(summary)
	b.WriteString("\n\n## Key Findings\n\n")
	for _, theme := range themes {
		fmt.Fprintf(&b, "### %s\n\n", theme.Name)
		for _, point := range theme.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", point)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Analysis\n\n")
	b.WriteString(analysis)
	b.WriteString("\n")

	if len(coverage) > 0 {
		b.WriteString("\n## Research Coverage\n\n")
		for _, line := range coverage {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Conclusion\n\n")
	b.WriteString(conclusion)
	b.WriteString("\n")

	return b.String()
}

// coverageLines lists every planned subtask with its finding count, so
// subtasks that came back empty are visible as "no findings".
func coverageLines(plan *models.Plan, evidence []models.SearchResult) []string {
	if plan == nil {
		return nil
	}
	counts := make(map[int]int)
	for _, result := range evidence {
		if result.Error != "" {
			continue
		}
		counts[result.SubTaskID] += len(result.Findings)
	}

	lines := make([]string, 0, len(plan.SubTasks))
	for _, st := range plan.SubTasks {
		if n := counts[st.ID]; n > 0 {
			lines = append(lines, fmt.Sprintf("- %s: %d findings", st.Description, n))
		} else {
			lines = append(lines, fmt.Sprintf("- %s: no findings", st.Description))
		}
	}
	return lines
}

func themesText(themes []reportTheme) string {
	var b strings.Builder
	for _, theme := range themes {
		fmt.Fprintf(&b, "%s:\n", theme.Name)
		for _, point := range theme.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", point)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func planGoal(plan *models.Plan) string {
	if plan == nil {
		return ""
	}
	return plan.Goal
}

func (r *Rapporteur) generate(ctx context.Context, usage *models.TokenUsage, templateName string, data map[string]any, req llm.Request) (string, error) {
	prompt, err := r.registry.Render(templateName, data)
	if err != nil {
		return "", err
	}
	req.Prompt = prompt

	res, err := r.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	usage.Add(res.Usage)
	return strings.TrimSpace(res.Text), nil
}
