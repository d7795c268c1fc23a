package workflows

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/tracing"
)

// runIterations executes the evidence gathering loop: passes over the pending
// subtasks, a sufficiency verdict after each pass, and a hard stop at the
// configured iteration bound. Exhausting the bound or the token budget is not
// an error; the report is synthesized from whatever was gathered. The only
// error returned is the context's, when the task is cancelled mid-loop.
func (e *Engine) runIterations(ctx context.Context, s *session.TaskSession, log *usageLog) error {
	taskID := s.ID()
	researcher := agents.WorkerName(taskID, agents.IdxResearcher)
	maxIterations := s.Snapshot().Config.MaxIterations

	iteration := 0
	defer func() {
		metrics.IterationsPerTask.Observe(float64(iteration))
	}()

	lastTask := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pending := pendingSubTasks(s.Snapshot().Plan)
		if len(pending) == 0 {
			break
		}

		for _, st := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.markSubTask(s, st.ID, models.SubTaskInProgress)
			if err := e.gatherSubTask(ctx, s, st); err != nil {
				return err
			}
			e.markSubTask(s, st.ID, models.SubTaskDone)
			lastTask = st.Description
		}

		iteration++
		s.Update(func(t *models.Task) {
			t.Iteration = iteration
		})
		e.publish(streaming.Progress(taskID, researcher, iteration, maxIterations, lastTask))

		if iteration >= maxIterations {
			e.logger.Info("Iteration bound reached",
				zap.String("task_id", taskID),
				zap.Int("iterations", iteration))
			break
		}
		if e.isSufficient(ctx, s, iteration, log) {
			e.logger.Info("Evidence judged sufficient",
				zap.String("task_id", taskID),
				zap.Int("iterations", iteration))
			break
		}
		if stop := e.budgetBoundary(ctx, s); stop {
			break
		}
	}
	return nil
}

// gatherSubTask runs every declared query against every declared source. A
// failed call is recorded on the evidence with its error and skipped; it is
// never fatal to the task.
func (e *Engine) gatherSubTask(ctx context.Context, s *session.TaskSession, st models.SubTask) error {
	ctx, span := tracing.StartSpan(ctx, "evidence.gather")
	defer span.End()

	for _, query := range st.SearchQueries {
		for _, source := range st.Sources {
			if err := ctx.Err(); err != nil {
				return err
			}

			result := models.SearchResult{
				SubTaskID: st.ID,
				Query:     query,
				Source:    source,
				Timestamp: time.Now().UTC(),
			}

			cctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
			findings, err := e.gateway.Search(cctx, query, source)
			cancel()

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				result.Error = err.Error()
			} else {
				result.Findings = findings
			}

			s.Update(func(t *models.Task) {
				t.Evidence = append(t.Evidence, result)
			})
		}
	}
	return nil
}

// isSufficient asks the evaluator for a verdict on the gathered evidence. No
// verdict reads as "not yet": under-iterating on a transient failure is worse
// than one extra pass.
func (e *Engine) isSufficient(ctx context.Context, s *session.TaskSession, iteration int, log *usageLog) bool {
	task := s.Snapshot()

	e.pace(ctx, task.Config.Provider, e.cfg.CallTokenEstimate)
	if ctx.Err() != nil {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.EvaluateTimeout)
	defer cancel()
	cctx, span := tracing.StartSpan(cctx, "evidence.evaluate")
	defer span.End()

	sufficient, usage, err := e.evaluator.Sufficient(cctx, agents.SufficiencyRequest{
		Query:              task.Query,
		Goal:               task.Plan.Goal,
		CompletionCriteria: task.Plan.CompletionCriteria,
		ResultsCount:       countFindings(task.Evidence),
		Iteration:          iteration,
		MaxIterations:      task.Config.MaxIterations,
		Model:              task.Config.Model,
	})
	e.recordUsage(s, "evaluator", usage, log)
	if err != nil {
		e.logger.Warn("Sufficiency evaluation failed, continuing to iterate",
			zap.String("task_id", task.ID),
			zap.Int("iteration", iteration),
			zap.Error(err))
		return false
	}
	return sufficient
}

// budgetBoundary checks the token budget between passes. Exhaustion ends the
// loop the same way sufficiency does; backpressure delays the next pass.
func (e *Engine) budgetBoundary(ctx context.Context, s *session.TaskSession) bool {
	check := e.budget.Check(s.ID(), e.cfg.CallTokenEstimate)
	if !check.CanProceed {
		e.logger.Warn("Token budget exhausted, synthesizing from gathered evidence",
			zap.String("task_id", s.ID()),
			zap.String("reason", check.Reason))
		return true
	}
	if check.BackpressureActive && check.BackpressureDelay > 0 {
		timer := time.NewTimer(time.Duration(check.BackpressureDelay) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return false
}

// markSubTask records a subtask status change on the plan.
func (e *Engine) markSubTask(s *session.TaskSession, id int, status string) {
	s.Update(func(t *models.Task) {
		if st := t.Plan.SubTaskByID(id); st != nil {
			st.Status = status
		}
	})
}

// pendingSubTasks returns the subtasks still to process, ordered by ascending
// priority, ties broken by ascending id.
func pendingSubTasks(plan *models.Plan) []models.SubTask {
	if plan == nil {
		return nil
	}
	var out []models.SubTask
	for _, st := range plan.SubTasks {
		if st.Status != models.SubTaskDone {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func countFindings(evidence []models.SearchResult) int {
	n := 0
	for _, r := range evidence {
		n += len(r.Findings)
	}
	return n
}
