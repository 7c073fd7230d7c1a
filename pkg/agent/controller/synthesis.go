package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// SynthesisController makes one tool-less LLM call that folds the
// investigation output of prior stages into a unified analysis. Also
// serves follow-up chat, where the "prior output" is the recorded
// investigation context.
type SynthesisController struct{}

// NewSynthesisController creates a new synthesis controller.
func NewSynthesisController() *SynthesisController {
	return &SynthesisController{}
}

// Run executes the single synthesis call.
func (c *SynthesisController) Run(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	prevStageContext string,
) (*agent.ExecutionResult, error) {
	var messages []agent.ConversationMessage
	if execCtx.Chat != nil {
		messages = execCtx.PromptBuilder.BuildChatMessages(execCtx)
	} else {
		messages = execCtx.PromptBuilder.BuildSynthesisMessages(execCtx, prevStageContext)
	}

	callCtx, cancel := context.WithTimeout(ctx, execCtx.Config.IterationTimeout)
	defer cancel()
	start := time.Now()

	resp, err := callLLM(callCtx, execCtx.LLMClient, &agent.GenerateInput{
		SessionID:        execCtx.SessionID,
		StageExecutionID: execCtx.ExecutionID,
		Messages:         messages,
		Provider:         execCtx.Config.LLMProvider,
		ThinkingLevel:    execCtx.Config.ThinkingLevel,
	})
	logLLMCall(ctx, execCtx, 1, len(messages), resp, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("synthesis LLM call failed: %w", err)
	}

	// A provider that only produced thinking still yields an analysis.
	finalAnalysis := resp.Text
	if finalAnalysis == "" && resp.Thinking != "" {
		finalAnalysis = resp.Thinking
	}

	return &agent.ExecutionResult{
		Status:        agent.ExecutionStatusCompleted,
		FinalAnalysis: finalAnalysis,
		TokensUsed:    resp.Usage,
	}, nil
}
