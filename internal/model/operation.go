package model

import "time"

// IssueOperation is the remote-facing unit of work derived from one Activity.
// The dispatcher mutates it in place between attempts.
type IssueOperation struct {
	NextEligibleAt time.Time
	Payload        Payload
	ActivityID     string
	Kind           ActivityKind
	Attempt        int
}

func NewIssueOperation(a Activity) *IssueOperation {
	return &IssueOperation{
		ActivityID: a.ID,
		Kind:       a.Kind,
		Payload:    a.Payload,
	}
}

type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the terminal resolution of a submitted activity.
type Outcome struct {
	ActivityID string        `json:"activity_id"`
	Status     OutcomeStatus `json:"status"`
	RemoteID   string        `json:"remote_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	// Deduplicated is set when the outcome came from an earlier dispatch of
	// the same activity id rather than a new tracker call.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}
