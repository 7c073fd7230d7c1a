package models

// ScoreStatus is the lifecycle state of a scoring run.
type ScoreStatus string

const (
	ScoreStatusPending    ScoreStatus = "pending"
	ScoreStatusInProgress ScoreStatus = "in_progress"
	ScoreStatusCompleted  ScoreStatus = "completed"
	ScoreStatusFailed     ScoreStatus = "failed"
)

// SessionScore is one judge evaluation of a finished session. At most one
// non-terminal score may exist per session; completed runs accumulate.
type SessionScore struct {
	ID            string      `json:"score_id"`
	SessionID     string      `json:"session_id"`
	Status        ScoreStatus `json:"status"`
	Score         *int        `json:"score,omitempty"`
	Justification *string     `json:"justification,omitempty"`
	PromptHash    string      `json:"prompt_hash,omitempty"`
	Error         *string     `json:"error,omitempty"`
	CreatedAtUS   int64       `json:"created_at_us"`
	CompletedAtUS *int64      `json:"completed_at_us,omitempty"`
}
