package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// maxConcurrentToolCalls bounds one iteration's tool fan-out.
const maxConcurrentToolCalls = 5

// ReActController runs the multi-turn reason/act loop with text-based
// tool calling: the LLM requests tools as a JSON array of
// {server, tool, parameters, reason} objects, tool results come back as
// observation messages, and the loop ends on a final answer or the
// iteration limit.
type ReActController struct{}

// NewReActController creates a new ReAct controller.
func NewReActController() *ReActController {
	return &ReActController{}
}

// Run executes the ReAct iteration loop.
func (c *ReActController) Run(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	prevStageContext string,
) (*agent.ExecutionResult, error) {
	var totalUsage agent.TokenUsage
	state := &agent.IterationState{MaxIterations: execCtx.Config.MaxIterations}

	tools, err := execCtx.ToolExecutor.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	toolNames := buildToolNameSet(tools)

	messages := execCtx.PromptBuilder.BuildReActMessages(execCtx, prevStageContext, tools)

	for iteration := 1; iteration <= state.MaxIterations; iteration++ {
		state.CurrentIteration = iteration

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if state.ShouldAbortOnTimeouts() {
			return failedResult(state, totalUsage), nil
		}

		iterCtx, iterCancel := context.WithTimeout(ctx, execCtx.Config.IterationTimeout)
		start := time.Now()

		resp, err := callLLM(iterCtx, execCtx.LLMClient, c.generateInput(execCtx, messages))
		if err != nil {
			iterCancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logLLMCall(ctx, execCtx, iteration, len(messages), nil, start, err)
			timedOut := isTimeoutError(err)
			errMsg := err.Error()
			if timedOut {
				errMsg = timeoutMessage("LLM call", time.Since(start), fmt.Sprintf("iteration %d", iteration))
			}
			state.RecordFailure(errMsg, timedOut)
			messages = append(messages, agent.ConversationMessage{
				Role:    agent.RoleUser,
				Content: "The previous LLM call failed: " + errMsg + "\nPlease continue the investigation.",
			})
			continue
		}
		totalUsage.Add(resp.Usage)

		messages = append(messages, agent.ConversationMessage{
			Role:    agent.RoleAssistant,
			Content: resp.Text,
		})

		calls, hasToolSyntax, parseErr := ParseToolCalls(resp.Text)
		if parseErr != nil {
			// Feed the selection error back so the LLM can self-correct.
			logLLMCall(ctx, execCtx, iteration, len(messages), resp, start, parseErr)
			state.RecordSuccess()
			feedback := execCtx.PromptBuilder.BuildToolParseFeedback(parseErr.Error())
			messages = append(messages, agent.ConversationMessage{Role: agent.RoleUser, Content: feedback})
			iterCancel()
			continue
		}
		logLLMCall(ctx, execCtx, iteration, len(messages), resp, start, nil)
		state.RecordSuccess()

		if !hasToolSyntax || len(calls) == 0 {
			iterCancel()
			return &agent.ExecutionResult{
				Status:        agent.ExecutionStatusCompleted,
				FinalAnalysis: resp.Text,
				TokensUsed:    totalUsage,
			}, nil
		}

		calls = DedupeCalls(calls)
		results := c.dispatchTools(iterCtx, execCtx, toolNames, calls, state)
		observation := formatObservations(results)
		messages = append(messages, agent.ConversationMessage{Role: agent.RoleUser, Content: observation})

		iterCancel()
	}

	return c.forceConclusion(ctx, execCtx, messages, &totalUsage, state)
}

func (c *ReActController) generateInput(execCtx *agent.ExecutionContext, messages []agent.ConversationMessage) *agent.GenerateInput {
	return &agent.GenerateInput{
		SessionID:        execCtx.SessionID,
		StageExecutionID: execCtx.ExecutionID,
		Messages:         messages,
		Provider:         execCtx.Config.LLMProvider,
	}
}

// dispatchTools runs one iteration's calls concurrently. Unknown tools
// and execution errors become error results in call order; they are
// never returned as Go errors.
func (c *ReActController) dispatchTools(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	toolNames map[string]bool,
	calls []agent.ToolCall,
	state *agent.IterationState,
) []*agent.ToolResult {
	results := make([]*agent.ToolResult, len(calls))
	timedOut := make([]bool, len(calls))

	g, toolCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentToolCalls)
	for i, call := range calls {
		name := call.Server + "." + call.Tool
		if !toolNames[name] {
			results[i] = &agent.ToolResult{
				Server:  call.Server,
				Tool:    call.Tool,
				Content: fmt.Sprintf("Unknown tool %q. Choose from the tools listed in the system prompt.", name),
				IsError: true,
			}
			continue
		}

		g.Go(func() error {
			start := time.Now()
			result, err := execCtx.ToolExecutor.Execute(toolCtx, call)
			if err != nil {
				content := err.Error()
				if isTimeoutError(err) {
					content = timeoutMessage(name, time.Since(start), fmt.Sprintf("iteration %d", state.CurrentIteration))
					timedOut[i] = true
				}
				result = &agent.ToolResult{
					Server:  call.Server,
					Tool:    call.Tool,
					Content: "Tool execution failed: " + content,
					IsError: true,
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range timedOut {
		if t {
			state.RecordFailure(results[i].Content, true)
		}
	}
	return results
}

// formatObservations renders tool results as the next user message.
func formatObservations(results []*agent.ToolResult) string {
	var b strings.Builder
	b.WriteString("Observation:\n")
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(&b, "\n### %s.%s\n", r.Server, r.Tool)
		if r.IsError {
			b.WriteString("ERROR: ")
		}
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nContinue the investigation, or answer without a tool-call array when you have enough evidence.")
	return b.String()
}

// forceConclusion makes one final tool-less call when the iteration
// limit is reached.
func (c *ReActController) forceConclusion(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	messages []agent.ConversationMessage,
	totalUsage *agent.TokenUsage,
	state *agent.IterationState,
) (*agent.ExecutionResult, error) {
	if state.LastInteractionFailed {
		return &agent.ExecutionResult{
			Status: agent.ExecutionStatusFailed,
			Error: fmt.Errorf("max iterations (%d) reached with last interaction failed: %s",
				state.MaxIterations, state.LastErrorMessage),
			TokensUsed: *totalUsage,
		}, nil
	}

	prompt := execCtx.PromptBuilder.BuildForcedConclusionPrompt(state.CurrentIteration)
	messages = append(messages, agent.ConversationMessage{Role: agent.RoleUser, Content: prompt})

	conclusionCtx, cancel := context.WithTimeout(ctx, execCtx.Config.IterationTimeout)
	defer cancel()
	start := time.Now()

	resp, err := callLLM(conclusionCtx, execCtx.LLMClient, c.generateInput(execCtx, messages))
	logLLMCall(ctx, execCtx, state.CurrentIteration+1, len(messages), resp, start, err)
	if err != nil {
		return &agent.ExecutionResult{
			Status:     agent.ExecutionStatusFailed,
			Error:      fmt.Errorf("forced conclusion LLM call failed: %w", err),
			TokensUsed: *totalUsage,
		}, nil
	}
	totalUsage.Add(resp.Usage)

	return &agent.ExecutionResult{
		Status:        agent.ExecutionStatusCompleted,
		FinalAnalysis: resp.Text,
		TokensUsed:    *totalUsage,
	}, nil
}
