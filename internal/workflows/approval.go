package workflows

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/policy"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
)

type gateResult int

const (
	gateApproved gateResult = iota
	gateRejected
	gateCancelled
)

type gateOutcome struct {
	result   gateResult
	feedback string
}

// awaitApproval suspends the pipeline until the plan is approved, rejected,
// or the task is cancelled. There is no timeout; a task may sit here for as
// long as the process lives. A modify decision swaps the plan in place and
// keeps waiting, so the gate only returns on the three outcomes above.
func (e *Engine) awaitApproval(ctx context.Context, s *session.TaskSession) gateOutcome {
	taskID := s.ID()

	// Decisions offered against a previous plan are void once a new one is
	// up for review.
	for _, stale := range s.Drain() {
		e.ackStale(taskID, stale, "superseded by a regenerated plan")
	}

	if e.autoApprove(s) {
		metrics.ApprovalDecisions.WithLabelValues("auto").Inc()
		e.publish(streaming.AckEvent(taskID, models.DecisionApprove, true, "auto-approve enabled"))
		e.logger.Info("Plan auto-approved", zap.String("task_id", taskID))
		return gateOutcome{result: gateApproved}
	}

	start := time.Now()
	defer func() {
		metrics.ApprovalWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	for {
		select {
		case <-ctx.Done():
			return gateOutcome{result: gateCancelled}

		case d := <-s.Decisions():
			switch dec := d.(type) {
			case models.ApprovePlan:
				if !dec.Approved {
					metrics.ApprovalDecisions.WithLabelValues("rejected").Inc()
					e.publish(streaming.AckEvent(taskID, models.DecisionApprove, true, "plan rejected, regenerating"))
					e.logger.Info("Plan rejected",
						zap.String("task_id", taskID),
						zap.String("feedback", dec.Feedback))
					return gateOutcome{result: gateRejected, feedback: dec.Feedback}
				}
				metrics.ApprovalDecisions.WithLabelValues("approved").Inc()
				e.publish(streaming.AckEvent(taskID, models.DecisionApprove, true, "plan approved"))
				// A duplicate approve racing the first one lands here
				// and is answered as a no-op.
				for _, extra := range s.Drain() {
					e.ackStale(taskID, extra, "plan already approved")
				}
				return gateOutcome{result: gateApproved}

			case models.ModifyPlan:
				e.applyModification(s, dec)

			case models.CancelTask:
				s.Cancel()
				return gateOutcome{result: gateCancelled}
			}
		}
	}
}

// applyModification validates and installs a caller-supplied plan. An invalid
// plan keeps the current one and is acknowledged as a no-op; a valid one is
// announced with a plan_updated event and the gate keeps waiting for
// approval.
func (e *Engine) applyModification(s *session.TaskSession, dec models.ModifyPlan) {
	taskID := s.ID()

	if err := dec.Plan.Validate(); err != nil {
		metrics.InvalidDecisions.WithLabelValues(models.DecisionModify).Inc()
		e.publish(streaming.AckEvent(taskID, models.DecisionModify, false, err.Error()))
		e.logger.Warn("Plan modification rejected",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	plan := dec.Plan.Clone()
	s.Update(func(t *models.Task) {
		t.Plan = plan
	})
	metrics.ApprovalDecisions.WithLabelValues("modified").Inc()
	e.publish(streaming.AckEvent(taskID, models.DecisionModify, true, "plan updated"))
	e.publish(streaming.PlanUpdated(taskID, agents.WorkerName(taskID, agents.IdxPlanner), plan))
	e.logger.Info("Plan replaced by modification",
		zap.String("task_id", taskID),
		zap.Int("sub_tasks", len(plan.SubTasks)))
}

// autoApprove reports whether the gate may be bypassed for this task. The
// task must opt in, and the policy engine, when live, can override the opt-in
// and demand a human decision.
func (e *Engine) autoApprove(s *session.TaskSession) bool {
	task := s.Snapshot()
	if !task.Config.AutoApprove {
		return false
	}
	if e.policy == nil || !e.policy.Enabled() {
		return true
	}

	in := &policy.Input{
		TaskID:      task.ID,
		Stage:       policy.StageApproval,
		Query:       task.Query,
		AutoApprove: true,
	}
	if task.Plan != nil {
		in.SubtaskCount = len(task.Plan.SubTasks)
		in.EstimatedIterations = task.Plan.EstimatedIterations
	}

	dec, err := e.policy.Evaluate(context.Background(), in)
	if err != nil {
		e.logger.Warn("Approval policy evaluation failed, keeping the gate",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return false
	}
	if !dec.Allow || dec.RequireApproval {
		e.logger.Info("Auto-approve overridden by policy",
			zap.String("task_id", task.ID),
			zap.String("reason", dec.Reason))
		return false
	}
	return true
}

func (e *Engine) ackStale(taskID string, d models.Decision, reason string) {
	metrics.InvalidDecisions.WithLabelValues(d.Kind()).Inc()
	e.publish(streaming.AckEvent(taskID, d.Kind(), false, reason))
}
