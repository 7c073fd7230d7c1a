package models

// StageStatus is the lifecycle state of a stage execution.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusActive    StageStatus = "active"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusCancelled:
		return true
	default:
		return false
	}
}

// ParallelType describes how a stage execution relates to its siblings.
type ParallelType string

const (
	// ParallelTypeSingle is a plain stage with exactly one agent.
	ParallelTypeSingle ParallelType = "single"
	// ParallelTypeMultiAgent is a fan-out parent running N distinct agents.
	ParallelTypeMultiAgent ParallelType = "multi_agent"
	// ParallelTypeReplica is a fan-out parent running N copies of one agent.
	ParallelTypeReplica ParallelType = "replica"
)

// StageExecution is one agent run (or a fan-out parent) within a session.
// Fan-out parents are bookkeeping rows: their terminal status is derived
// from their children, never set directly by a controller.
type StageExecution struct {
	ID                string       `json:"execution_id"`
	SessionID         string       `json:"session_id"`
	StageIndex        int          `json:"stage_index"`
	StageName         string       `json:"stage_name"`
	Agent             string       `json:"agent"`
	IterationStrategy string       `json:"iteration_strategy"`
	Status            StageStatus  `json:"status"`
	StartedAtUS       *int64       `json:"started_at_us,omitempty"`
	CompletedAtUS     *int64       `json:"completed_at_us,omitempty"`
	DurationMS        *int64       `json:"duration_ms,omitempty"`
	ParentExecutionID *string      `json:"parent_stage_execution_id,omitempty"`
	ParallelIndex     int          `json:"parallel_index"`
	ParallelType      ParallelType `json:"parallel_type"`
	StageOutput       *string      `json:"stage_output,omitempty"`
	Error             *string      `json:"error,omitempty"`
}
