// Package prompt builds all prompt text for the iteration controllers:
// system messages, investigation user messages, tool descriptions, and
// the judge prompts used for session scoring.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// Builder composes prompts for controllers. Stateless and thread-safe;
// all state comes from the execution context.
type Builder struct{}

// NewBuilder creates a prompt builder.
func NewBuilder() *Builder {
	return &Builder{}
}

const taskFocus = "Focus on investigation and providing recommendations for human operators to execute."

const reactFormatInstructions = `## Tool Calling
To call tools, respond with ONLY a JSON array of call objects:

` + "```json" + `
[
  {"server": "<server id>", "tool": "<tool name>", "parameters": {...}, "reason": "<why this call>"}
]
` + "```" + `

Rules:
- "server" and "tool" must name one of the available tools exactly.
- "parameters" is a JSON object matching the tool's input schema.
- Multiple calls in one array run concurrently; duplicate identical calls are collapsed.
- When you have enough evidence, respond with your final analysis and NO JSON array.`

const analysisTask = `## Your Task
Use the available tools to investigate this alert and provide:
1. Root cause analysis
2. Current system state assessment
3. Specific remediation steps for human operators
4. Prevention recommendations

Be thorough in your investigation before providing the final answer.`

const synthesisTask = `Synthesize the investigation results above into a single comprehensive analysis.`

// BuildReActMessages builds the initial conversation for a ReAct
// investigation.
func (b *Builder) BuildReActMessages(
	execCtx *agent.ExecutionContext,
	prevStageContext string,
	tools []agent.ToolDefinition,
) []agent.ConversationMessage {
	system := b.composeSystemPrompt(execCtx) + "\n\n" + reactFormatInstructions + "\n\n" + taskFocus

	var user strings.Builder
	writeAlertSection(&user, execCtx)
	if prevStageContext != "" {
		user.WriteString("## Previous Stage Results\n\n")
		user.WriteString(prevStageContext)
		user.WriteString("\n\n")
	}
	user.WriteString("## Available Tools\n\n")
	user.WriteString(FormatToolDescriptions(tools))
	user.WriteString("\n\n")
	user.WriteString(analysisTask)

	return []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: system},
		{Role: agent.RoleUser, Content: user.String()},
	}
}

// BuildSynthesisMessages builds the conversation for a synthesis stage.
func (b *Builder) BuildSynthesisMessages(
	execCtx *agent.ExecutionContext,
	prevStageContext string,
) []agent.ConversationMessage {
	system := b.composeSystemPrompt(execCtx) + "\n\n" +
		"Your task is to synthesize the investigation results from multiple agents into a single coherent analysis."

	var user strings.Builder
	if prevStageContext != "" {
		user.WriteString("## Investigation Results from Previous Agents\n\n")
		user.WriteString(prevStageContext)
		user.WriteString("\n\n")
	}
	writeAlertSection(&user, execCtx)
	user.WriteString(synthesisTask)

	return []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: system},
		{Role: agent.RoleUser, Content: user.String()},
	}
}

// BuildChatMessages builds the conversation for a follow-up chat turn
// over a completed investigation.
func (b *Builder) BuildChatMessages(execCtx *agent.ExecutionContext) []agent.ConversationMessage {
	system := b.composeSystemPrompt(execCtx) + "\n\n" +
		"Your task is to answer follow-up questions about a completed investigation for human operators."

	var user strings.Builder
	user.WriteString("## Completed Investigation\n\n")
	user.WriteString(execCtx.Chat.InvestigationContext)
	user.WriteString("\n\n## Question\n\n")
	user.WriteString(execCtx.Chat.UserQuestion)

	return []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: system},
		{Role: agent.RoleUser, Content: user.String()},
	}
}

// BuildToolParseFeedback formats a tool-selection error as the next
// user message so the LLM can self-correct.
func (b *Builder) BuildToolParseFeedback(parseErr string) string {
	return fmt.Sprintf(`Your tool call could not be parsed: %s

Respond with ONLY a JSON array of {"server", "tool", "parameters", "reason"} objects, or with your final analysis and no JSON array.`, parseErr)
}

// BuildForcedConclusionPrompt asks for a final answer at the iteration
// limit.
func (b *Builder) BuildForcedConclusionPrompt(iteration int) string {
	return fmt.Sprintf(`You have reached the investigation iteration limit (%d iterations).

Please conclude your investigation by answering the original question based on what you've discovered.

**Conclusion guidance:**
- Use the data and observations you've already gathered
- Perfect information is not required - provide actionable insights from available findings
- If gaps remain, clearly state what you couldn't determine and why
- If most tool calls failed or produced no meaningful data, explicitly state that your analysis is limited and primarily based on alert data

Provide a clear, structured conclusion. Do not call any more tools.`, iteration)
}

func (b *Builder) composeSystemPrompt(execCtx *agent.ExecutionContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, an AI site-reliability agent investigating production alerts.", execCtx.AgentName)
	if execCtx.Config != nil && execCtx.Config.CustomInstructions != "" {
		sb.WriteString("\n\n## Agent Instructions\n\n")
		sb.WriteString(execCtx.Config.CustomInstructions)
	}
	return sb.String()
}

func writeAlertSection(sb *strings.Builder, execCtx *agent.ExecutionContext) {
	fmt.Fprintf(sb, "## Alert\n\nType: %s\n\n%s\n\n", execCtx.AlertType, execCtx.AlertData)
	if execCtx.RunbookContent != "" {
		sb.WriteString("## Runbook\n\n")
		sb.WriteString(execCtx.RunbookContent)
		sb.WriteString("\n\n")
	}
}
