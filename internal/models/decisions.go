package models

// Decision kinds as they appear on the wire.
const (
	DecisionApprove = "approve_plan"
	DecisionModify  = "modify_plan"
	DecisionCancel  = "cancel"
)

// Decision is an inbound control message for a running task. The set is
// closed: ApprovePlan (Approved=false is a rejection), ModifyPlan, CancelTask.
type Decision interface {
	Kind() string
}

// ApprovePlan resolves the approval gate. Feedback travels with a rejection
// into plan regeneration.
type ApprovePlan struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

func (ApprovePlan) Kind() string { return DecisionApprove }

// ModifyPlan replaces the pending plan. The replacement is revalidated before
// it takes effect; an invalid one keeps the prior plan.
type ModifyPlan struct {
	Plan *Plan `json:"plan"`
}

func (ModifyPlan) Kind() string { return DecisionModify }

// CancelTask requests cooperative cancellation.
type CancelTask struct{}

func (CancelTask) Kind() string { return DecisionCancel }
