package metadata

import (
	"testing"

	"github.com/fathomlab/fathom/internal/models"
)

func TestAggregateUsage(t *testing.T) {
	entries := []AgentUsage{
		{AgentID: "planner", Usage: models.TokenUsage{
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			CostUSD: 0.01, Model: "gpt-4o-mini", Provider: "openai",
		}},
		{AgentID: "evaluator", Usage: models.TokenUsage{
			PromptTokens: 80, CompletionTokens: 5, TotalTokens: 85,
			CostUSD: 0.002, Model: "gpt-4o-mini", Provider: "openai",
		}},
		{AgentID: "rapporteur", Usage: models.TokenUsage{
			PromptTokens: 400, CompletionTokens: 300, TotalTokens: 700,
			CostUSD: 0.05, Model: "claude-3-5-sonnet-20241022", Provider: "anthropic",
		}},
	}

	s := AggregateUsage(entries)

	if s.Calls != 3 {
		t.Errorf("Calls = %d, want 3", s.Calls)
	}
	if s.Total.TotalTokens != 935 {
		t.Errorf("TotalTokens = %d, want 935", s.Total.TotalTokens)
	}
	if s.Total.PromptTokens != 580 || s.Total.CompletionTokens != 355 {
		t.Errorf("split = %d/%d, want 580/355", s.Total.PromptTokens, s.Total.CompletionTokens)
	}
	if diff := s.Total.CostUSD - 0.062; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CostUSD = %v, want 0.062", s.Total.CostUSD)
	}
	if s.PrimaryModel != "gpt-4o-mini" {
		t.Errorf("PrimaryModel = %q, want the most frequent model", s.PrimaryModel)
	}
	if s.PrimaryProvider != "openai" {
		t.Errorf("PrimaryProvider = %q, want openai", s.PrimaryProvider)
	}
	if s.ByAgent["planner"].TotalTokens != 150 {
		t.Errorf("planner usage = %+v", s.ByAgent["planner"])
	}
}

func TestAggregateUsageEstimatesSplit(t *testing.T) {
	s := AggregateUsage([]AgentUsage{
		{AgentID: "planner", Usage: models.TokenUsage{TotalTokens: 100, Model: "m", Provider: "p"}},
	})

	if s.Total.PromptTokens != 60 || s.Total.CompletionTokens != 40 {
		t.Errorf("estimated split = %d/%d, want 60/40", s.Total.PromptTokens, s.Total.CompletionTokens)
	}
	if s.Total.TotalTokens != 100 {
		t.Errorf("TotalTokens = %d, want 100", s.Total.TotalTokens)
	}
}

func TestAggregateUsageTieBreaksByFirstSeen(t *testing.T) {
	s := AggregateUsage([]AgentUsage{
		{AgentID: "a", Usage: models.TokenUsage{TotalTokens: 10, Model: "first", Provider: "p1"}},
		{AgentID: "b", Usage: models.TokenUsage{TotalTokens: 10, Model: "second", Provider: "p2"}},
	})

	if s.PrimaryModel != "first" {
		t.Errorf("PrimaryModel = %q, want first-seen on tie", s.PrimaryModel)
	}
	if s.PrimaryProvider != "p1" {
		t.Errorf("PrimaryProvider = %q, want p1", s.PrimaryProvider)
	}
}

func TestAggregateUsageEmpty(t *testing.T) {
	s := AggregateUsage(nil)
	if s.Calls != 0 || s.Total.TotalTokens != 0 || s.ByAgent != nil {
		t.Errorf("empty aggregate = %+v", s)
	}
}

func TestUsageSummaryMetadata(t *testing.T) {
	s := AggregateUsage([]AgentUsage{
		{AgentID: "planner", Usage: models.TokenUsage{
			PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
			CostUSD: 0.001, Model: "gpt-4o-mini", Provider: "openai",
		}},
	})

	meta := s.Metadata()
	if meta["model_used"] != "gpt-4o-mini" {
		t.Errorf("model_used = %v", meta["model_used"])
	}
	if meta["total_tokens"] != 15 {
		t.Errorf("total_tokens = %v", meta["total_tokens"])
	}
	if meta["llm_calls"] != 1 {
		t.Errorf("llm_calls = %v", meta["llm_calls"])
	}
	if _, ok := meta["agent_usage"]; !ok {
		t.Errorf("agent_usage missing from metadata")
	}
}
