package domain

import "time"

// MilestoneStatus tracks delivery of a milestone.
type MilestoneStatus string

const (
	MilestoneStatusPending    MilestoneStatus = "pending"
	MilestoneStatusInProgress MilestoneStatus = "in_progress"
	MilestoneStatusCompleted  MilestoneStatus = "completed"
	MilestoneStatusFailed     MilestoneStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneStatusCompleted || s == MilestoneStatusFailed
}

// OutcomeFor maps a milestone status to the market outcome it implies.
func OutcomeFor(s MilestoneStatus) Outcome {
	switch s {
	case MilestoneStatusCompleted:
		return OutcomeYes
	case MilestoneStatusFailed:
		return OutcomeNo
	default:
		return OutcomeUnresolved
	}
}

// StatusFor maps a market outcome back to the milestone status.
func StatusFor(o Outcome) MilestoneStatus {
	switch o {
	case OutcomeYes:
		return MilestoneStatusCompleted
	case OutcomeNo:
		return MilestoneStatusFailed
	default:
		return MilestoneStatusPending
	}
}

// Milestone is a public commitment by a token creator, backed by a market.
type Milestone struct {
	ID           string          `json:"id"`
	TokenAddress string          `json:"token_address"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	TargetDate   time.Time       `json:"target_date"`
	Status       MilestoneStatus `json:"status"`
	Creator      string          `json:"creator"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ProofURL     string          `json:"proof_url,omitempty"`
}
