package models

// Progress describes one completed iteration pass.
type Progress struct {
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	CurrentTask   string `json:"current_task,omitempty"`
}

// Ack acknowledges an inbound decision. Accepted=false marks a no-op (the
// decision arrived in a state where it does not apply, or failed revalidation).
type Ack struct {
	Decision string `json:"decision"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ReportPayload carries the synthesized document over the event channel.
type ReportPayload struct {
	Report string       `json:"report"`
	Format OutputFormat `json:"format"`
}

// EventPayload is the closed set of structured event bodies. Exactly one field
// is set per event kind; unknown or free-form payloads are rejected at the
// boundary instead of being passed through.
type EventPayload struct {
	Step     string         `json:"step,omitempty"`
	Plan     *Plan          `json:"plan,omitempty"`
	Progress *Progress      `json:"progress,omitempty"`
	Report   *ReportPayload `json:"report,omitempty"`
	Error    string         `json:"error,omitempty"`
	Ack      *Ack           `json:"ack,omitempty"`
}
