package workflows

import (
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metadata"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
)

// transition moves the task to the next status and publishes the matching
// status event. Only the owning pipeline goroutine calls this, so events for
// one task leave in transition order. An illegal walk returns
// *models.InvalidTransitionError and changes nothing.
func (e *Engine) transition(s *session.TaskSession, to models.Status) error {
	var invalid *models.InvalidTransitionError
	var from models.Status
	var createdAt time.Time

	s.Update(func(t *models.Task) {
		from = t.Status
		createdAt = t.CreatedAt
		if !t.Status.CanTransitionTo(to) {
			invalid = &models.InvalidTransitionError{TaskID: t.ID, From: t.Status, Event: string(to)}
			return
		}
		t.Status = to
		if to.IsTerminal() {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	})
	if invalid != nil {
		e.logger.Error("Illegal state transition attempted",
			zap.String("task_id", s.ID()),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return invalid
	}

	metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.publish(streaming.StatusUpdate(s.ID(), orchestratorID, to))

	if to.IsTerminal() {
		metrics.TasksFinished.WithLabelValues(string(to)).Inc()
		metrics.TaskDuration.Observe(time.Since(createdAt).Seconds())
	}
	if e.recorder != nil {
		e.recorder.SaveTask(s.Snapshot())
	}
	return nil
}

// failTask ends the pipeline on one of the two fatal paths, plan generation
// and synthesis. The error event precedes the failed status event.
func (e *Engine) failTask(s *session.TaskSession, log *usageLog, agentID string, cause error) {
	e.finalizeUsage(s, log)
	e.publish(streaming.ErrorEvent(s.ID(), agentID, cause.Error()))
	s.Update(func(t *models.Task) {
		t.Error = cause.Error()
	})
	if err := e.transition(s, models.StatusFailed); err != nil {
		return
	}
	e.logger.Error("Research task failed",
		zap.String("task_id", s.ID()),
		zap.Error(cause))
}

// finishCancelled settles the task after its context was cancelled. The
// terminal transition happens exactly once because only the pipeline
// goroutine reaches here, and it returns immediately after.
func (e *Engine) finishCancelled(s *session.TaskSession, log *usageLog) {
	e.finalizeUsage(s, log)
	if err := e.transition(s, models.StatusCancelled); err != nil {
		return
	}
	e.logger.Info("Research task cancelled", zap.String("task_id", s.ID()))
}

// usageLog accumulates per-call usage for one task. It lives on the pipeline
// goroutine's stack and needs no locking.
type usageLog struct {
	entries []metadata.AgentUsage
}

// recordUsage folds one generation call's usage into the task, the budget
// ledger, and the per-agent log.
func (e *Engine) recordUsage(s *session.TaskSession, agent string, usage models.TokenUsage, log *usageLog) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && usage.TotalTokens == 0 {
		return
	}
	log.entries = append(log.entries, metadata.AgentUsage{AgentID: agent, Usage: usage})
	if err := e.budget.Record(s.ID(), usage); err != nil {
		e.logger.Warn("Usage recording failed",
			zap.String("task_id", s.ID()),
			zap.Error(err))
	}
	s.Update(func(t *models.Task) {
		t.Usage.Add(usage)
	})
}

// finalizeUsage writes the aggregated usage summary into the task metadata.
// Called once per task, on every exit path.
func (e *Engine) finalizeUsage(s *session.TaskSession, log *usageLog) {
	if len(log.entries) == 0 {
		return
	}
	summary := metadata.AggregateUsage(log.entries)
	s.Update(func(t *models.Task) {
		t.Usage = summary.Total
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, 8)
		}
		for k, v := range summary.Metadata() {
			t.Metadata[k] = v
		}
	})
	metrics.TaskTokensUsed.Observe(float64(summary.Total.TotalTokens))
	metrics.TaskCostUSD.Observe(summary.Total.CostUSD)
}
