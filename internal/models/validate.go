package models

import (
	"errors"
	"fmt"
	"strings"
)

// Bounds enforced on caller-supplied configuration.
const (
	MinIterations        = 1
	MaxIterations        = 20
	DefaultMaxIterations = 5
	MaxQueryLength       = 4000
)

var (
	ErrEmptyQuery        = errors.New("query must not be empty")
	ErrQueryTooLong      = fmt.Errorf("query exceeds %d characters", MaxQueryLength)
	ErrInvalidIterations = fmt.Errorf("max_iterations must be between %d and %d", MinIterations, MaxIterations)
	ErrInvalidFormat     = errors.New("output_format must be markdown or html")
)

// ValidateQuery checks the raw research query.
func ValidateQuery(query string) error {
	q := strings.TrimSpace(query)
	if q == "" {
		return ErrEmptyQuery
	}
	if len(q) > MaxQueryLength {
		return ErrQueryTooLong
	}
	return nil
}

// Normalize fills defaults and validates the configuration in place.
func (c *TaskConfig) Normalize() error {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxIterations < MinIterations || c.MaxIterations > MaxIterations {
		return ErrInvalidIterations
	}
	if c.OutputFormat == "" {
		c.OutputFormat = FormatMarkdown
	}
	if c.OutputFormat != FormatMarkdown && c.OutputFormat != FormatHTML {
		return ErrInvalidFormat
	}
	return nil
}

// Validate enforces the plan shape invariants shared by generated and
// externally supplied plans: at least one subtask, unique numeric ids, every
// subtask carrying at least one search query and one declared source, priority
// within 1..5, a non-empty goal and completion criterion, and an iteration
// estimate of at least one. Subtask statuses are normalized to pending when
// unset.
func (p *Plan) Validate() error {
	if p == nil {
		return errors.New("plan is nil")
	}
	if strings.TrimSpace(p.Goal) == "" {
		return errors.New("plan research_goal must not be empty")
	}
	if strings.TrimSpace(p.CompletionCriteria) == "" {
		return errors.New("plan completion_criteria must not be empty")
	}
	if len(p.SubTasks) == 0 {
		return errors.New("plan must contain at least one sub_task")
	}
	if p.EstimatedIterations < 1 {
		return errors.New("plan estimated_iterations must be at least 1")
	}
	seen := make(map[int]bool, len(p.SubTasks))
	for i := range p.SubTasks {
		st := &p.SubTasks[i]
		if seen[st.ID] {
			return fmt.Errorf("duplicate sub_task id %d", st.ID)
		}
		seen[st.ID] = true
		if strings.TrimSpace(st.Description) == "" {
			return fmt.Errorf("sub_task %d description must not be empty", st.ID)
		}
		if len(st.SearchQueries) == 0 {
			return fmt.Errorf("sub_task %d must declare at least one search query", st.ID)
		}
		for _, q := range st.SearchQueries {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("sub_task %d has an empty search query", st.ID)
			}
		}
		if len(st.Sources) == 0 {
			return fmt.Errorf("sub_task %d must declare at least one source", st.ID)
		}
		if st.Priority < 1 || st.Priority > 5 {
			return fmt.Errorf("sub_task %d priority %d out of range 1..5", st.ID, st.Priority)
		}
		switch st.Status {
		case "":
			st.Status = SubTaskPending
		case SubTaskPending, SubTaskInProgress, SubTaskDone:
		default:
			return fmt.Errorf("sub_task %d has unknown status %q", st.ID, st.Status)
		}
	}
	return nil
}
