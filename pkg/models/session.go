// Package models defines the persisted domain types shared by the store
// layer, the execution engine, and the API surface.
package models

import "time"

// SessionStatus is the lifecycle state of an alert session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Session is one alert's end-to-end processing unit.
// Timestamps are microseconds since epoch UTC.
type Session struct {
	ID                  string        `json:"session_id"`
	AlertType           string        `json:"alert_type"`
	AlertPayload        string        `json:"alert_payload"`
	ChainID             string        `json:"chain_id"`
	Status              SessionStatus `json:"status"`
	PodID               *string       `json:"pod_id,omitempty"`
	CreatedAtUS         int64         `json:"created_at_us"`
	StartedAtUS         *int64        `json:"started_at_us,omitempty"`
	CompletedAtUS       *int64        `json:"completed_at_us,omitempty"`
	LastInteractionAtUS *int64        `json:"last_interaction_at_us,omitempty"`
	FinalAnalysis       *string       `json:"final_analysis,omitempty"`
	Error               *string       `json:"error,omitempty"`
	Author              string        `json:"author,omitempty"`
}

// NowUS returns the current wall-clock time in microseconds since epoch UTC.
func NowUS() int64 {
	return time.Now().UnixMicro()
}
