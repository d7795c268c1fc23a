package workflows

import (
	"errors"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/streaming"
)

// ErrTaskNotFound is returned for decisions aimed at an unknown or already
// evicted task.
var ErrTaskNotFound = errors.New("task not found")

// DecisionResult is the synchronous answer to a delivered decision. Accepted
// means the decision reached the pipeline; for approve and modify the
// authoritative acknowledgment still follows on the event stream once the
// gate applies it. Accepted false is a no-op: the decision was discarded, not
// queued.
type DecisionResult struct {
	Accepted bool          `json:"accepted"`
	Reason   string        `json:"reason,omitempty"`
	Status   models.Status `json:"status"`
}

// Deliver routes an inbound decision to the task's pipeline. Decisions are
// validated against the task's current state: approve and modify only apply
// while the task awaits approval, cancel applies in any non-terminal state.
// Anything else is acknowledged as a no-op and dropped.
func (e *Engine) Deliver(taskID string, decision models.Decision) (DecisionResult, error) {
	s, ok := e.sessions.Get(taskID)
	if !ok {
		return DecisionResult{}, ErrTaskNotFound
	}

	status := s.Status()
	kind := decision.Kind()

	if _, isCancel := decision.(models.CancelTask); isCancel {
		if status.IsTerminal() {
			return e.discard(taskID, kind, status), nil
		}
		// Ack first: once Cancel fires the pipeline may publish the
		// terminal event, and nothing follows that.
		e.publish(streaming.AckEvent(taskID, kind, true, "cancellation requested"))
		s.Cancel()
		e.logger.Info("Cancellation requested",
			zap.String("task_id", taskID),
			zap.String("status", string(status)))
		return DecisionResult{Accepted: true, Status: status}, nil
	}

	if status != models.StatusAwaitingApproval {
		return e.discard(taskID, kind, status), nil
	}
	if mp, isModify := decision.(models.ModifyPlan); isModify && mp.Plan == nil {
		metrics.InvalidDecisions.WithLabelValues(kind).Inc()
		e.publish(streaming.AckEvent(taskID, kind, false, "modified plan missing"))
		return DecisionResult{Accepted: false, Reason: "modified plan missing", Status: status}, nil
	}

	if !s.Offer(decision) {
		metrics.InvalidDecisions.WithLabelValues(kind).Inc()
		e.publish(streaming.AckEvent(taskID, kind, false, "too many pending decisions"))
		return DecisionResult{Accepted: false, Reason: "too many pending decisions", Status: status}, nil
	}

	e.logger.Debug("Decision delivered",
		zap.String("task_id", taskID),
		zap.String("decision", kind))
	return DecisionResult{Accepted: true, Status: status}, nil
}

// discard acknowledges a decision that is not valid in the task's current
// state.
func (e *Engine) discard(taskID, kind string, status models.Status) DecisionResult {
	reason := (&models.InvalidTransitionError{TaskID: taskID, From: status, Event: kind}).Error()
	metrics.InvalidDecisions.WithLabelValues(kind).Inc()
	e.publish(streaming.AckEvent(taskID, kind, false, reason))
	e.logger.Debug("Decision discarded",
		zap.String("task_id", taskID),
		zap.String("decision", kind),
		zap.String("status", string(status)))
	return DecisionResult{Accepted: false, Reason: reason, Status: status}
}
