package models

import "time"

// SessionCostSummary is the persisted record of a finished budget session
type SessionCostSummary struct {
	SessionID    string    `json:"session_id" db:"session_id"`
	OwnerEmail   string    `json:"owner_email" db:"owner_email"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	Cost         float64   `json:"cost" db:"cost"`
	Limit        float64   `json:"limit" db:"budget_limit"`
	State        string    `json:"state" db:"state"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	EndedAt      time.Time `json:"ended_at" db:"ended_at"`
}

// TableName returns the table name for the SessionCostSummary model
func (SessionCostSummary) TableName() string {
	return "session_cost_summaries"
}

// Utilization returns cost divided by limit, or zero when no limit is set
func (s *SessionCostSummary) Utilization() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return s.Cost / s.Limit
}
