package agent

import (
	"context"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// ExecutionContext carries the dependencies and state for one agent run.
// Built by the stage executor per execution; never shared between
// concurrent children.
type ExecutionContext struct {
	// Identity
	SessionID     string
	ExecutionID   string
	StageName     string
	StageIndex    int
	ParallelIndex int
	AgentName     string

	// Alert data as submitted. Arbitrary text, never parsed here.
	AlertType string
	AlertData string

	// Runbook content fetched by the executor, empty when none.
	RunbookContent string

	// Resolved configuration hierarchy (defaults -> chain -> stage -> agent).
	Config *ResolvedAgentConfig

	// Session wall-clock anchor and budget, for timeout messages.
	SessionStartedUS int64
	SessionTimeout   time.Duration

	// Dependencies injected by the executor.
	LLMClient    LLMClient
	ToolExecutor ToolExecutor
	Log          InteractionLogger

	// PromptBuilder is stateless and shared across executions.
	// Implemented by prompt.Builder; interface avoids an import cycle.
	PromptBuilder PromptBuilder

	// Chat context, nil outside follow-up chat executions.
	Chat *ChatContext
}

// StageExecutionIDRef returns the execution id as a pointer for
// interaction records, or nil when the run is not bound to a stage.
func (c *ExecutionContext) StageExecutionIDRef() *string {
	if c.ExecutionID == "" {
		return nil
	}
	return &c.ExecutionID
}

// ResolvedAgentConfig is the fully-resolved configuration for one agent
// execution. All hierarchy levels have been applied.
type ResolvedAgentConfig struct {
	AgentName          string
	Strategy           config.IterationStrategy
	LLMProviderName    string
	LLMProvider        *config.LLMProviderConfig
	MaxIterations      int
	IterationTimeout   time.Duration
	MCPServers         []string
	CustomInstructions string

	// ThinkingLevel is set to "high" by the native-thinking strategies.
	ThinkingLevel string
}

// InteractionLogger records LLM and MCP traffic. Implemented by
// services.InteractionService; an interface so controller tests run on
// an in-memory fake.
type InteractionLogger interface {
	LogLLM(ctx context.Context, rec services.LLMCallRecord) error
	LogMCPCall(ctx context.Context, rec services.MCPCallRecord) error
	LogMCPList(ctx context.Context, rec services.MCPListRecord) error
}

// PromptBuilder builds all prompt text for controllers. Implemented by
// prompt.Builder; defined here to avoid a cycle between pkg/agent and
// pkg/agent/prompt.
type PromptBuilder interface {
	BuildReActMessages(execCtx *ExecutionContext, prevStageContext string, tools []ToolDefinition) []ConversationMessage
	BuildSynthesisMessages(execCtx *ExecutionContext, prevStageContext string) []ConversationMessage
	BuildChatMessages(execCtx *ExecutionContext) []ConversationMessage
	BuildToolParseFeedback(parseErr string) string
	BuildForcedConclusionPrompt(iteration int) string
	BuildScoringSystemPrompt() string
	BuildScoringInitialPrompt(investigationContext, outputSchema string) string
	BuildScoringSchemaReminderPrompt(outputSchema string) string
	BuildScoringMissingToolsPrompt() string
}

// ChatContext carries chat-specific data for the chat executor.
type ChatContext struct {
	ChatID               string
	UserQuestion         string
	InvestigationContext string
}
