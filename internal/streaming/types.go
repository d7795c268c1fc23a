package streaming

import (
	"github.com/fathomlab/fathom/internal/models"
)

// Outbound event kinds.
const (
	TypeStatusUpdate = "status_update"
	TypePlanReady    = "plan_ready"
	TypePlanUpdated  = "plan_updated"
	TypeProgress     = "progress"
	TypeReportReady  = "report_ready"
	TypeError        = "error"
	TypeAck          = "ack"
)

// Inbound message kinds accepted on the event channel.
const (
	TypeApprovePlan = "approve_plan"
	TypeModifyPlan  = "modify_plan"
	TypeCancel      = "cancel"
)

// StatusUpdate builds a status_update event for a pipeline step.
func StatusUpdate(taskID, agentID string, step models.Status) Event {
	return Event{
		TaskID:  taskID,
		Type:    TypeStatusUpdate,
		AgentID: agentID,
		Payload: &models.EventPayload{Step: string(step)},
	}
}

// PlanReady builds a plan_ready event carrying the freshly generated plan.
func PlanReady(taskID, agentID string, plan *models.Plan) Event {
	return Event{
		TaskID:  taskID,
		Type:    TypePlanReady,
		AgentID: agentID,
		Payload: &models.EventPayload{Plan: plan.Clone()},
	}
}

// PlanUpdated builds a plan_updated event after a successful modification.
func PlanUpdated(taskID, agentID string, plan *models.Plan) Event {
	return Event{
		TaskID:  taskID,
		Type:    TypePlanUpdated,
		AgentID: agentID,
		Payload: &models.EventPayload{Plan: plan.Clone()},
	}
}

// Progress builds a progress event for one completed iteration pass.
func Progress(taskID, agentID string, iteration, maxIterations int, currentTask string) Event {
	return Event{
		TaskID:  taskID,
		Type:    TypeProgress,
		AgentID: agentID,
		Payload: &models.EventPayload{Progress: &models.Progress{
			Iteration:     iteration,
			MaxIterations: maxIterations,
			CurrentTask:   currentTask,
		}},
	}
}

// ReportReady builds a report_ready event with the synthesized document.
func ReportReady(taskID, agentID string, report *models.Report) Event {
	return Event{
		TaskID:  taskID,
		Type:    TypeReportReady,
		AgentID: agentID,
		Payload: &models.EventPayload{Report: &models.ReportPayload{
			Report: report.Content,
			Format: report.Format,
		}},
	}
}

// ErrorEvent builds an error event. Only fatal failures reach the channel this
// way; recoverable conditions are absorbed by the pipeline.
func ErrorEvent(taskID, agentID, message string) Event {
	return Event{
		TaskID:  taskID,
		Type:    TypeError,
		AgentID: agentID,
		Message: message,
		Payload: &models.EventPayload{Error: message},
	}
}

// AckEvent acknowledges an inbound decision; accepted=false is the no-op form.
func AckEvent(taskID, decision string, accepted bool, reason string) Event {
	return Event{
		TaskID: taskID,
		Type:   TypeAck,
		Payload: &models.EventPayload{Ack: &models.Ack{
			Decision: decision,
			Accepted: accepted,
			Reason:   reason,
		}},
	}
}
