package models

import (
	"time"
)

// Status is the lifecycle state of a research task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusResearching      Status = "researching"
	StatusGeneratingReport Status = "generating_report"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// validTransitions is the authoritative transition table. Terminal states have
// no outgoing edges; failed and cancelled are reachable from every non-terminal
// state, so they are appended in CanTransitionTo rather than listed here.
var validTransitions = map[Status][]Status{
	StatusPending:          {StatusPlanning},
	StatusPlanning:         {StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusResearching, StatusPlanning},
	StatusResearching:      {StatusGeneratingReport},
	StatusGeneratingReport: {StatusCompleted},
	StatusCompleted:        {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal walk of the
// task state machine.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return next != s
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OutputFormat selects the form of the synthesized report.
type OutputFormat string

const (
	FormatMarkdown OutputFormat = "markdown"
	FormatHTML     OutputFormat = "html"
)

// SubTask execution statuses.
const (
	SubTaskPending    = "pending"
	SubTaskInProgress = "in_progress"
	SubTaskDone       = "done"
)

// TaskConfig carries the caller-supplied knobs for one research task.
type TaskConfig struct {
	MaxIterations int          `json:"max_iterations"`
	AutoApprove   bool         `json:"auto_approve"`
	OutputFormat  OutputFormat `json:"output_format"`
	Provider      string       `json:"llm_provider,omitempty"`
	Model         string       `json:"llm_model,omitempty"`
}

// SubTask is one unit of planned search work.
type SubTask struct {
	ID            int      `json:"task_id"`
	Description   string   `json:"description"`
	SearchQueries []string `json:"search_queries"`
	Sources       []string `json:"sources"`
	Priority      int      `json:"priority"`
	Status        string   `json:"status"`
}

// Plan is the structured decomposition of a research goal.
type Plan struct {
	Goal                string    `json:"research_goal"`
	SubTasks            []SubTask `json:"sub_tasks"`
	CompletionCriteria  string    `json:"completion_criteria"`
	EstimatedIterations int       `json:"estimated_iterations"`
}

// Finding is a single retrieved item from an evidence source.
type Finding struct {
	Title          string                 `json:"title"`
	Snippet        string                 `json:"snippet"`
	URL            string                 `json:"url"`
	RelevanceScore float64                `json:"relevance_score,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult records one gateway invocation for one subtask query/source pair.
// Failed invocations keep Findings empty and set Error; they are recorded, never
// fatal.
type SearchResult struct {
	SubTaskID int       `json:"task_id"`
	Query     string    `json:"query"`
	Source    string    `json:"source"`
	Findings  []Finding `json:"findings"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage accumulates generation-call consumption for a task.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Model            string  `json:"model,omitempty"`
	Provider         string  `json:"provider,omitempty"`
}

// Add folds another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
	if other.Model != "" {
		u.Model = other.Model
	}
	if other.Provider != "" {
		u.Provider = other.Provider
	}
}

// Report is the synthesized output document.
type Report struct {
	Content     string       `json:"content"`
	Format      OutputFormat `json:"format"`
	GeneratedAt time.Time    `json:"generated_at"`
	Path        string       `json:"path,omitempty"`
}

// Task is one end-to-end research request and its lifecycle state. The owning
// runner goroutine is the single writer; everyone else reads deep copies via
// Clone.
type Task struct {
	ID          string         `json:"task_id"`
	Query       string         `json:"query"`
	Config      TaskConfig     `json:"config"`
	Status      Status         `json:"status"`
	Plan        *Plan          `json:"plan,omitempty"`
	Evidence    []SearchResult `json:"evidence,omitempty"`
	Iteration   int            `json:"iteration"`
	Report      *Report        `json:"report,omitempty"`
	Error       string         `json:"error,omitempty"`
	Usage       TokenUsage     `json:"usage"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy suitable for handing to readers outside the owning
// goroutine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Plan = t.Plan.Clone()
	if t.Evidence != nil {
		cp.Evidence = make([]SearchResult, len(t.Evidence))
		copy(cp.Evidence, t.Evidence)
		for i := range cp.Evidence {
			if t.Evidence[i].Findings != nil {
				cp.Evidence[i].Findings = make([]Finding, len(t.Evidence[i].Findings))
				copy(cp.Evidence[i].Findings, t.Evidence[i].Findings)
			}
		}
	}
	if t.Report != nil {
		r := *t.Report
		cp.Report = &r
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.SubTasks = make([]SubTask, len(p.SubTasks))
	copy(cp.SubTasks, p.SubTasks)
	for i := range cp.SubTasks {
		cp.SubTasks[i].SearchQueries = append([]string(nil), p.SubTasks[i].SearchQueries...)
		cp.SubTasks[i].Sources = append([]string(nil), p.SubTasks[i].Sources...)
	}
	return &cp
}

// SubTaskByID returns the subtask with the given id, or nil.
func (p *Plan) SubTaskByID(id int) *SubTask {
	if p == nil {
		return nil
	}
	for i := range p.SubTasks {
		if p.SubTasks[i].ID == id {
			return &p.SubTasks[i]
		}
	}
	return nil
}

// TaskSummary is the compact listing form used by history queries.
type TaskSummary struct {
	TaskID      string       `json:"task_id"`
	Query       string       `json:"query"`
	Status      Status       `json:"status"`
	Format      OutputFormat `json:"output_format"`
	Iteration   int          `json:"iteration"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Summary reduces a task to its listing form.
func (t *Task) Summary() TaskSummary {
	return TaskSummary{
		TaskID:      t.ID,
		Query:       t.Query,
		Status:      t.Status,
		Format:      t.Config.OutputFormat,
		Iteration:   t.Iteration,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}
