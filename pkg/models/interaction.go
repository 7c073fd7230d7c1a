package models

// MCPCommunicationType distinguishes the two shapes of MCP traffic.
type MCPCommunicationType string

const (
	MCPCommunicationToolList MCPCommunicationType = "tool_list"
	MCPCommunicationToolCall MCPCommunicationType = "tool_call"
)

// AllServersSentinel is the server name recorded for a tool list that
// spans every configured MCP server.
const AllServersSentinel = "all_servers"

// LLMInteraction is an immutable record of a single LLM call.
type LLMInteraction struct {
	ID               string         `json:"interaction_id"`
	SessionID        string         `json:"session_id"`
	StageExecutionID *string        `json:"stage_execution_id,omitempty"`
	ModelName        string         `json:"model_name"`
	Request          map[string]any `json:"request_json"`
	Response         map[string]any `json:"response_json,omitempty"`
	TokenUsage       map[string]any `json:"token_usage,omitempty"`
	ThinkingContent  *string        `json:"thinking_content,omitempty"`
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`
	DurationMS       int64          `json:"duration_ms"`
	Success          bool           `json:"success"`
	Error            *string        `json:"error,omitempty"`
	TimestampUS      int64          `json:"timestamp_us"`
}

// MCPInteraction is an immutable record of a single MCP call or listing.
type MCPInteraction struct {
	ID                string               `json:"interaction_id"`
	SessionID         string               `json:"session_id"`
	StageExecutionID  *string              `json:"stage_execution_id,omitempty"`
	ServerName        string               `json:"server_name"`
	CommunicationType MCPCommunicationType `json:"communication_type"`
	ToolName          *string              `json:"tool_name,omitempty"`
	ToolArguments     map[string]any       `json:"tool_arguments,omitempty"`
	ToolResult        map[string]any       `json:"tool_result,omitempty"`
	AvailableTools    []any                `json:"available_tools,omitempty"`
	DurationMS        int64                `json:"duration_ms"`
	Success           bool                 `json:"success"`
	Error             *string              `json:"error,omitempty"`
	TimestampUS       int64                `json:"timestamp_us"`
}
