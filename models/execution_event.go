package models

import (
	"encoding/json"
	"time"
)

// EventStatus is the outcome of a single agent step
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusError   EventStatus = "error"
)

// Well-known phases. Agents may report any phase name; these are the ones the gateway emits itself.
const (
	PhaseSessionStart = "session_start"
	PhaseSessionEnd   = "session_end"
)

// ExecutionEvent is one immutable record of an agent step.
// SequenceID is assigned by the store at insert and is strictly increasing across all events.
type ExecutionEvent struct {
	SequenceID int64           `json:"sequence_id" db:"sequence_id"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	UserEmail  string          `json:"user_email" db:"user_email"`
	SessionID  string          `json:"session_id" db:"session_id"`
	AgentName  string          `json:"agent_name" db:"agent_name"`
	Phase      string          `json:"phase" db:"phase"`
	ToolName   *string         `json:"tool_name,omitempty" db:"tool_name"`
	Status     EventStatus     `json:"status" db:"status"`
	DurationMs int64           `json:"duration_ms" db:"duration_ms"`
	Payload    json.RawMessage `json:"payload,omitempty" db:"payload"`
}

// TableName returns the table name for the ExecutionEvent model
func (ExecutionEvent) TableName() string {
	return "execution_events"
}

// NewExecutionEvent creates an event stamped with the current time. The sequence id is left unset.
func NewExecutionEvent(userEmail, sessionID, agentName, phase string, status EventStatus) *ExecutionEvent {
	return &ExecutionEvent{
		Timestamp: time.Now().UTC(),
		UserEmail: NormalizeEmail(userEmail),
		SessionID: sessionID,
		AgentName: agentName,
		Phase:     phase,
		Status:    status,
	}
}

// IsValidStatus reports whether s is a known event status
func IsValidStatus(s EventStatus) bool {
	return s == EventStatusSuccess || s == EventStatusError
}

// VisibleTo reports whether a filtered viewer with the given email may see the event
func (e *ExecutionEvent) VisibleTo(email string) bool {
	return e.UserEmail == NormalizeEmail(email)
}
