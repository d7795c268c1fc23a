package metadata

import (
	"github.com/fathomlab/fathom/internal/models"
)

// AgentUsage records the token consumption of one generation call, tagged
// with the agent that made it (planner, evaluator, rapporteur, coordinator).
type AgentUsage struct {
	AgentID string            `json:"agent_id"`
	Usage   models.TokenUsage `json:"usage"`
}

// UsageSummary is the aggregate over every generation call of a task.
type UsageSummary struct {
	Total           models.TokenUsage            `json:"total"`
	PrimaryModel    string                       `json:"primary_model,omitempty"`
	PrimaryProvider string                       `json:"primary_provider,omitempty"`
	Calls           int                          `json:"calls"`
	ByAgent         map[string]models.TokenUsage `json:"by_agent,omitempty"`
}

// AggregateUsage sums per-call usage into task totals. The primary model and
// provider are the ones used by the most calls, first seen winning ties.
// Calls reporting only a total get a 60/40 prompt/completion split estimate
// so the directional totals stay meaningful.
func AggregateUsage(entries []AgentUsage) UsageSummary {
	summary := UsageSummary{Calls: len(entries)}
	if len(entries) == 0 {
		return summary
	}

	summary.ByAgent = make(map[string]models.TokenUsage)
	modelCounts := make(map[string]int)
	providerCounts := make(map[string]int)
	var modelOrder, providerOrder []string

	for _, entry := range entries {
		u := entry.Usage
		if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens > 0 {
			u.PromptTokens = u.TotalTokens * 60 / 100
			u.CompletionTokens = u.TotalTokens - u.PromptTokens
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}

		summary.Total.Add(u)

		agent := entry.AgentID
		if agent == "" {
			agent = "unknown"
		}
		perAgent := summary.ByAgent[agent]
		perAgent.Add(u)
		summary.ByAgent[agent] = perAgent

		if u.Model != "" {
			if modelCounts[u.Model] == 0 {
				modelOrder = append(modelOrder, u.Model)
			}
			modelCounts[u.Model]++
		}
		if u.Provider != "" {
			if providerCounts[u.Provider] == 0 {
				providerOrder = append(providerOrder, u.Provider)
			}
			providerCounts[u.Provider]++
		}
	}

	summary.PrimaryModel = mostFrequent(modelCounts, modelOrder)
	summary.PrimaryProvider = mostFrequent(providerCounts, providerOrder)
	summary.Total.Model = summary.PrimaryModel
	summary.Total.Provider = summary.PrimaryProvider
	return summary
}

func mostFrequent(counts map[string]int, order []string) string {
	best, bestCount := "", 0
	for _, key := range order {
		if counts[key] > bestCount {
			best, bestCount = key, counts[key]
		}
	}
	return best
}

// Metadata renders the summary as task metadata for status responses and
// persistence.
func (s UsageSummary) Metadata() map[string]any {
	meta := map[string]any{
		"llm_calls":         s.Calls,
		"prompt_tokens":     s.Total.PromptTokens,
		"completion_tokens": s.Total.CompletionTokens,
		"total_tokens":      s.Total.TotalTokens,
		"cost_usd":          s.Total.CostUSD,
	}
	if s.PrimaryModel != "" {
		meta["model_used"] = s.PrimaryModel
	}
	if s.PrimaryProvider != "" {
		meta["provider"] = s.PrimaryProvider
	}
	if len(s.ByAgent) > 0 {
		meta["agent_usage"] = s.ByAgent
	}
	return meta
}
