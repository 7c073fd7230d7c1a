// Package controller provides the iteration strategy implementations.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// LLMResponse is the assembled result of one streamed LLM call.
type LLMResponse struct {
	Text     string
	Thinking string
	Usage    agent.TokenUsage
}

// callLLM drains the chunk stream into a single response. An ErrorChunk
// anywhere in the stream fails the whole call.
func callLLM(ctx context.Context, client agent.LLMClient, input *agent.GenerateInput) (*LLMResponse, error) {
	stream, err := client.Generate(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("LLM generate failed: %w", err)
	}

	var text, thinking strings.Builder
	resp := &LLMResponse{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				resp.Text = text.String()
				resp.Thinking = thinking.String()
				return resp, nil
			}
			switch c := chunk.(type) {
			case *agent.TextChunk:
				text.WriteString(c.Content)
			case *agent.ThinkingChunk:
				thinking.WriteString(c.Content)
			case *agent.UsageChunk:
				resp.Usage = agent.TokenUsage{
					InputTokens:    c.InputTokens,
					OutputTokens:   c.OutputTokens,
					TotalTokens:    c.TotalTokens,
					ThinkingTokens: c.ThinkingTokens,
				}
			case *agent.ErrorChunk:
				return nil, fmt.Errorf("LLM provider error (%s): %s", c.Code, c.Message)
			}
		}
	}
}

// logLLMCall records one LLM interaction. Failures are logged and
// swallowed: the in-memory conversation is authoritative during
// execution.
func logLLMCall(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	iteration int,
	messagesCount int,
	resp *LLMResponse,
	start time.Time,
	callErr error,
) {
	rec := services.LLMCallRecord{
		SessionID:        execCtx.SessionID,
		StageExecutionID: execCtx.StageExecutionIDRef(),
		ModelName:        execCtx.Config.LLMProvider.Model,
		Request: map[string]any{
			"messages_count": messagesCount,
			"iteration":      iteration,
		},
		Duration: time.Since(start),
		Err:      callErr,
	}
	if resp != nil {
		rec.Response = map[string]any{"text_length": len(resp.Text)}
		rec.TokenUsage = map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		}
		if resp.Thinking != "" {
			thinking := resp.Thinking
			rec.ThinkingContent = &thinking
			rec.ResponseMetadata = map[string]any{"thinking_tokens": resp.Usage.ThinkingTokens}
		}
	}
	if err := execCtx.Log.LogLLM(ctx, rec); err != nil {
		slog.Error("Failed to record LLM interaction",
			"session_id", execCtx.SessionID, "execution_id", execCtx.ExecutionID, "error", err)
	}
}

// isTimeoutError reports whether err wraps a context deadline. Used for
// consecutive timeout tracking; string matching is deliberately avoided.
func isTimeoutError(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

// timeoutMessage formats an interaction timeout.
func timeoutMessage(op string, elapsed time.Duration, context string) string {
	return fmt.Sprintf("%s timed out after %.1fs (%s)", op, elapsed.Seconds(), context)
}

// failedResult builds the abort result after repeated timeouts.
func failedResult(state *agent.IterationState, usage agent.TokenUsage) *agent.ExecutionResult {
	return &agent.ExecutionResult{
		Status: agent.ExecutionStatusFailed,
		Error: fmt.Errorf("aborted after %d consecutive timeouts (iteration %d/%d): %s",
			state.ConsecutiveTimeoutFailures, state.CurrentIteration, state.MaxIterations, state.LastErrorMessage),
		TokensUsed: usage,
	}
}

// buildToolNameSet indexes tools by their server.tool name.
func buildToolNameSet(tools []agent.ToolDefinition) map[string]bool {
	set := make(map[string]bool, len(tools))
	for _, t := range tools {
		set[t.Server+"."+t.Name] = true
	}
	return set
}
