package workflows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/tracing"
)

// run is the pipeline goroutine for one task. Cancellation is cooperative:
// the context is checked at the top of every loop and before every external
// call, and the terminal transition to cancelled happens exactly once, here.
func (e *Engine) run(ctx context.Context, s *session.TaskSession) {
	log := &usageLog{}
	defer e.wg.Done()
	defer e.recoverPanic(s, log)

	taskID := s.ID()
	if err := e.transition(s, models.StatusPlanning); err != nil {
		return
	}

	feedback := ""
	for {
		if ctx.Err() != nil {
			e.finishCancelled(s, log)
			return
		}

		plan, err := e.generatePlan(ctx, s, feedback, log)
		if err != nil {
			if ctx.Err() != nil {
				e.finishCancelled(s, log)
				return
			}
			e.failTask(s, log, agents.WorkerName(taskID, agents.IdxPlanner), err)
			return
		}

		s.Update(func(t *models.Task) {
			t.Plan = plan
		})
		if err := e.transition(s, models.StatusAwaitingApproval); err != nil {
			return
		}
		e.publish(streaming.PlanReady(taskID, agents.WorkerName(taskID, agents.IdxPlanner), plan))

		outcome := e.awaitApproval(ctx, s)
		if outcome.result == gateCancelled {
			e.finishCancelled(s, log)
			return
		}
		if outcome.result == gateRejected {
			feedback = outcome.feedback
			if err := e.transition(s, models.StatusPlanning); err != nil {
				return
			}
			continue
		}
		break
	}

	if err := e.transition(s, models.StatusResearching); err != nil {
		return
	}
	if err := e.runIterations(ctx, s, log); err != nil {
		e.finishCancelled(s, log)
		return
	}
	if ctx.Err() != nil {
		e.finishCancelled(s, log)
		return
	}

	if err := e.transition(s, models.StatusGeneratingReport); err != nil {
		return
	}
	report, err := e.synthesize(ctx, s, log)
	if err != nil {
		if ctx.Err() != nil {
			e.finishCancelled(s, log)
			return
		}
		e.failTask(s, log, agents.WorkerName(taskID, agents.IdxRapporteur), err)
		return
	}

	if path := e.saveReport(taskID, report); path != "" {
		report.Path = path
	}
	s.Update(func(t *models.Task) {
		t.Report = report
	})
	e.publish(streaming.ReportReady(taskID, agents.WorkerName(taskID, agents.IdxRapporteur), report))

	e.finalizeUsage(s, log)
	if err := e.transition(s, models.StatusCompleted); err != nil {
		return
	}

	final := s.Snapshot()
	e.logger.Info("Research task completed",
		zap.String("task_id", taskID),
		zap.Int("iterations", final.Iteration),
		zap.Int("evidence_entries", len(final.Evidence)),
		zap.Int("total_tokens", final.Usage.TotalTokens))
}

// generatePlan runs one planning round. The planner retries a parse failure
// once internally; an error here is already a PlanGenerationError and fatal.
func (e *Engine) generatePlan(ctx context.Context, s *session.TaskSession, feedback string, log *usageLog) (*models.Plan, error) {
	task := s.Snapshot()

	e.pace(ctx, task.Config.Provider, e.cfg.CallTokenEstimate)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.PlanTimeout)
	defer cancel()
	cctx, span := tracing.StartSpan(cctx, "plan.generate")
	defer span.End()

	plan, usage, err := e.planner.GeneratePlan(cctx, agents.PlanRequest{
		Query:         task.Query,
		Sources:       e.gateway.Sources(),
		MaxIterations: task.Config.MaxIterations,
		Feedback:      feedback,
		Model:         task.Config.Model,
	})
	e.recordUsage(s, "planner", usage, log)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// synthesize produces the final report from the full evidence set.
func (e *Engine) synthesize(ctx context.Context, s *session.TaskSession, log *usageLog) (*models.Report, error) {
	task := s.Snapshot()

	e.pace(ctx, task.Config.Provider, e.cfg.CallTokenEstimate)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.SynthesisTimeout)
	defer cancel()
	cctx, span := tracing.StartSpan(cctx, "report.synthesize")
	defer span.End()

	report, usage, err := e.rapporteur.Synthesize(cctx, agents.ReportRequest{
		Query:    task.Query,
		Plan:     task.Plan,
		Evidence: task.Evidence,
		Format:   task.Config.OutputFormat,
		Model:    task.Config.Model,
	})
	e.recordUsage(s, "rapporteur", usage, log)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// saveReport writes the report to the configured output directory. Failures
// only log; the task still completes with the report inline.
func (e *Engine) saveReport(taskID string, report *models.Report) string {
	if e.cfg.OutputDir == "" {
		return ""
	}
	ext := "md"
	if report.Format == models.FormatHTML {
		ext = "html"
	}
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		e.logger.Warn("Report directory creation failed",
			zap.String("dir", e.cfg.OutputDir),
			zap.Error(err))
		return ""
	}
	path := filepath.Join(e.cfg.OutputDir, fmt.Sprintf("research_report_%s.%s", taskID, ext))
	if err := os.WriteFile(path, []byte(report.Content), 0o644); err != nil {
		e.logger.Warn("Report write failed",
			zap.String("path", path),
			zap.Error(err))
		return ""
	}
	e.logger.Info("Report written",
		zap.String("task_id", taskID),
		zap.String("path", path))
	return path
}

// recoverPanic turns a pipeline panic into a failed task instead of taking
// the process down with it.
func (e *Engine) recoverPanic(s *session.TaskSession, log *usageLog) {
	r := recover()
	if r == nil {
		return
	}
	e.logger.Error("Pipeline panic",
		zap.String("task_id", s.ID()),
		zap.Any("panic", r),
		zap.Stack("stack"))

	if s.Status().IsTerminal() {
		return
	}
	e.finalizeUsage(s, log)
	msg := fmt.Sprintf("internal error: %v", r)
	e.publish(streaming.ErrorEvent(s.ID(), orchestratorID, msg))
	s.Update(func(t *models.Task) {
		t.Error = msg
	})
	_ = e.transition(s, models.StatusFailed)
}
