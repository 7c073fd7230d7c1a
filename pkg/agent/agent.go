// Package agent provides the core execution framework: the controller
// contract, the per-execution context, and the configuration resolver.
// Agents investigate alerts with LLM calls and (optionally) MCP tools.
package agent

import "context"

// Controller drives one stage execution to an analysis.
// Controllers are stateless; all state lives in the ExecutionContext and
// the conversation they build.
type Controller interface {
	// Run executes the controller's loop.
	// ctx carries the stage deadline and cancellation signal.
	// prevStageContext is the accumulated output of earlier stages
	// (empty for the first stage).
	//
	// Returns (*ExecutionResult, nil) on completion; check
	// Result.Status and Result.Error for agent-level failures. Returns
	// (nil, error) only for infrastructure failures where no meaningful
	// result exists.
	Run(ctx context.Context, execCtx *ExecutionContext, prevStageContext string) (*ExecutionResult, error)
}

// ExecutionStatus mirrors the stage execution status values.
type ExecutionStatus string

const (
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionResult is returned by Controller.Run. Lightweight: all
// intermediate state was already written to the interaction log during
// execution.
type ExecutionResult struct {
	Status        ExecutionStatus
	FinalAnalysis string
	Error         error
	TokensUsed    TokenUsage
}

// TokenUsage aggregates token consumption across LLM calls.
type TokenUsage struct {
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ThinkingTokens int
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.ThinkingTokens += other.ThinkingTokens
}
