package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	t.Run("HappyPathWalk", func(t *testing.T) {
		walk := []Status{
			StatusPending, StatusPlanning, StatusAwaitingApproval,
			StatusResearching, StatusGeneratingReport, StatusCompleted,
		}
		for i := 0; i < len(walk)-1; i++ {
			assert.True(t, walk[i].CanTransitionTo(walk[i+1]),
				"%s -> %s should be legal", walk[i], walk[i+1])
		}
	})

	t.Run("RejectLoopsBackToPlanning", func(t *testing.T) {
		assert.True(t, StatusAwaitingApproval.CanTransitionTo(StatusPlanning))
	})

	t.Run("FailedAndCancelledFromAnyNonTerminal", func(t *testing.T) {
		nonTerminal := []Status{
			StatusPending, StatusPlanning, StatusAwaitingApproval,
			StatusResearching, StatusGeneratingReport,
		}
		for _, s := range nonTerminal {
			assert.True(t, s.CanTransitionTo(StatusFailed), "%s -> failed", s)
			assert.True(t, s.CanTransitionTo(StatusCancelled), "%s -> cancelled", s)
		}
	})

	t.Run("TerminalStatesNeverExit", func(t *testing.T) {
		all := []Status{
			StatusPending, StatusPlanning, StatusAwaitingApproval,
			StatusResearching, StatusGeneratingReport,
			StatusCompleted, StatusFailed, StatusCancelled,
		}
		for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
			assert.True(t, terminal.IsTerminal())
			for _, next := range all {
				assert.False(t, terminal.CanTransitionTo(next),
					"%s -> %s must be illegal", terminal, next)
			}
		}
	})

	t.Run("SkippingStatesIsIllegal", func(t *testing.T) {
		assert.False(t, StatusPending.CanTransitionTo(StatusResearching))
		assert.False(t, StatusPlanning.CanTransitionTo(StatusCompleted))
		assert.False(t, StatusResearching.CanTransitionTo(StatusAwaitingApproval))
	})
}

func validPlan() *Plan {
	return &Plan{
		Goal:                "Understand the effects of caffeine on sleep",
		CompletionCriteria:  "Mechanisms, dosage effects, and timing are each covered by at least one source",
		EstimatedIterations: 2,
		SubTasks: []SubTask{
			{ID: 1, Description: "Caffeine pharmacology", SearchQueries: []string{"caffeine half-life"}, Sources: []string{"tavily"}, Priority: 1},
			{ID: 2, Description: "Sleep architecture impact", SearchQueries: []string{"caffeine REM sleep study"}, Sources: []string{"arxiv"}, Priority: 2},
			{ID: 3, Description: "Timing recommendations", SearchQueries: []string{"caffeine cutoff time evening"}, Sources: []string{"tavily"}, Priority: 3},
		},
	}
}

func TestPlanValidate(t *testing.T) {
	t.Run("ValidPlan", func(t *testing.T) {
		p := validPlan()
		require.NoError(t, p.Validate())
		for _, st := range p.SubTasks {
			assert.Equal(t, SubTaskPending, st.Status, "unset status normalized to pending")
		}
	})

	t.Run("ZeroSubTasksRejected", func(t *testing.T) {
		p := validPlan()
		p.SubTasks = nil
		assert.Error(t, p.Validate())
	})

	t.Run("DuplicateSubTaskIDs", func(t *testing.T) {
		p := validPlan()
		p.SubTasks[1].ID = p.SubTasks[0].ID
		assert.Error(t, p.Validate())
	})

	t.Run("MissingQueriesOrSources", func(t *testing.T) {
		p := validPlan()
		p.SubTasks[0].SearchQueries = nil
		assert.Error(t, p.Validate())

		p = validPlan()
		p.SubTasks[2].Sources = []string{}
		assert.Error(t, p.Validate())
	})

	t.Run("PriorityBounds", func(t *testing.T) {
		p := validPlan()
		p.SubTasks[0].Priority = 0
		assert.Error(t, p.Validate())

		p = validPlan()
		p.SubTasks[0].Priority = 6
		assert.Error(t, p.Validate())
	})

	t.Run("EstimateAtLeastOne", func(t *testing.T) {
		p := validPlan()
		p.EstimatedIterations = 0
		assert.Error(t, p.Validate())
	})
}

func TestTaskConfigNormalize(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg := TaskConfig{}
		require.NoError(t, cfg.Normalize())
		assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
		assert.Equal(t, FormatMarkdown, cfg.OutputFormat)
		assert.False(t, cfg.AutoApprove)
	})

	t.Run("Bounds", func(t *testing.T) {
		cfg := TaskConfig{MaxIterations: 21}
		assert.ErrorIs(t, cfg.Normalize(), ErrInvalidIterations)

		cfg = TaskConfig{MaxIterations: -1}
		assert.ErrorIs(t, cfg.Normalize(), ErrInvalidIterations)

		cfg = TaskConfig{MaxIterations: 20, OutputFormat: "pdf"}
		assert.ErrorIs(t, cfg.Normalize(), ErrInvalidFormat)
	})
}

func TestTaskClone(t *testing.T) {
	task := &Task{
		ID:     "t-1",
		Query:  "q",
		Status: StatusResearching,
		Plan:   validPlan(),
		Evidence: []SearchResult{
			{SubTaskID: 1, Query: "caffeine half-life", Source: "tavily",
				Findings: []Finding{{Title: "A", URL: "https://example.com/a"}}},
		},
	}
	cp := task.Clone()

	cp.Plan.SubTasks[0].Description = "mutated"
	cp.Evidence[0].Findings[0].Title = "mutated"
	cp.Evidence = append(cp.Evidence, SearchResult{SubTaskID: 2})

	assert.Equal(t, "Caffeine pharmacology", task.Plan.SubTasks[0].Description)
	assert.Equal(t, "A", task.Evidence[0].Findings[0].Title)
	assert.Len(t, task.Evidence, 1)
}

func TestQueryValidation(t *testing.T) {
	assert.ErrorIs(t, ValidateQuery("   "), ErrEmptyQuery)
	assert.NoError(t, ValidateQuery("effects of caffeine on sleep"))
}
